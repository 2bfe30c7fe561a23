package commitd

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9351"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJoinWarnInterval controls how often a waiting catalog drain logs
	// the coordinations still holding it up.
	DefaultJoinWarnInterval = 5 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time (drain + HTTP server).
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultParticipantTimeout bounds a single participant request.
	DefaultParticipantTimeout = 5 * time.Second
	// DefaultParticipantMaxAttempts caps retries per participant request.
	DefaultParticipantMaxAttempts = 4
	// DefaultParticipantRetryBaseDelay configures the base delay between participant retries.
	DefaultParticipantRetryBaseDelay = 100 * time.Millisecond
	// DefaultParticipantRetryMaxDelay caps the exponential backoff between participant retries.
	DefaultParticipantRetryMaxDelay = 2 * time.Second
	// DefaultParticipantRetryMultiplier defines the exponential backoff ratio.
	DefaultParticipantRetryMultiplier = 2.0
)

// Config drives server construction.
type Config struct {
	// Listen is the server bind address (for example ":9351").
	Listen string
	// ListenProto selects the listener network (for example "tcp").
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables runtime profiling metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint points trace export at an OTLP collector; empty disables tracing.
	OTLPEndpoint string
	// RetainCompletedCoordinators keeps successfully decided coordinators in a
	// diagnostics-only side map instead of forgetting them on removal.
	RetainCompletedCoordinators bool
	// JoinWarnInterval controls the cadence of drain-progress log lines.
	JoinWarnInterval time.Duration
	// ShutdownTimeout caps graceful shutdown before stragglers are cancelled.
	ShutdownTimeout time.Duration
	// ParticipantTimeout bounds one prepare/commit/abort request to a shard.
	ParticipantTimeout time.Duration
	// ParticipantMaxAttempts caps request attempts per participant endpoint.
	ParticipantMaxAttempts int
	// ParticipantRetryBaseDelay is the initial backoff between participant retries.
	ParticipantRetryBaseDelay time.Duration
	// ParticipantRetryMaxDelay caps the participant retry backoff.
	ParticipantRetryMaxDelay time.Duration
	// ParticipantRetryMultiplier is the backoff growth factor.
	ParticipantRetryMultiplier float64
}

// Validate normalizes the configuration in place and rejects values the
// server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JoinWarnInterval < 0 {
		return fmt.Errorf("config: join warn interval must be >= 0")
	}
	if c.JoinWarnInterval == 0 {
		c.JoinWarnInterval = DefaultJoinWarnInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ParticipantTimeout <= 0 {
		c.ParticipantTimeout = DefaultParticipantTimeout
	}
	if c.ParticipantMaxAttempts <= 0 {
		c.ParticipantMaxAttempts = DefaultParticipantMaxAttempts
	}
	if c.ParticipantRetryBaseDelay <= 0 {
		c.ParticipantRetryBaseDelay = DefaultParticipantRetryBaseDelay
	}
	if c.ParticipantRetryMaxDelay <= 0 {
		c.ParticipantRetryMaxDelay = DefaultParticipantRetryMaxDelay
	}
	if c.ParticipantRetryMaxDelay < c.ParticipantRetryBaseDelay {
		return fmt.Errorf("config: participant retry max delay must be >= base delay")
	}
	if c.ParticipantRetryMultiplier < 1 {
		c.ParticipantRetryMultiplier = DefaultParticipantRetryMultiplier
	}
	return nil
}
