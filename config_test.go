package commitd

import (
	"strings"
	"testing"
	"time"
)

func TestValidateAppliesDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("Listen = %q, want %q", cfg.Listen, DefaultListen)
	}
	if cfg.ListenProto != DefaultListenProto {
		t.Fatalf("ListenProto = %q, want %q", cfg.ListenProto, DefaultListenProto)
	}
	if cfg.JoinWarnInterval != DefaultJoinWarnInterval {
		t.Fatalf("JoinWarnInterval = %v, want %v", cfg.JoinWarnInterval, DefaultJoinWarnInterval)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.ParticipantTimeout != DefaultParticipantTimeout {
		t.Fatalf("ParticipantTimeout = %v, want %v", cfg.ParticipantTimeout, DefaultParticipantTimeout)
	}
	if cfg.ParticipantMaxAttempts != DefaultParticipantMaxAttempts {
		t.Fatalf("ParticipantMaxAttempts = %d, want %d", cfg.ParticipantMaxAttempts, DefaultParticipantMaxAttempts)
	}
	if cfg.ParticipantRetryMultiplier != DefaultParticipantRetryMultiplier {
		t.Fatalf("ParticipantRetryMultiplier = %v, want %v", cfg.ParticipantRetryMultiplier, DefaultParticipantRetryMultiplier)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "bad proto",
			cfg:  Config{ListenProto: "udp"},
			want: "listen proto",
		},
		{
			name: "profiling without metrics",
			cfg:  Config{EnableProfilingMetrics: true},
			want: "profiling metrics require",
		},
		{
			name: "negative join warn interval",
			cfg:  Config{JoinWarnInterval: -time.Second},
			want: "join warn interval",
		},
		{
			name: "retry max below base",
			cfg: Config{
				ParticipantRetryBaseDelay: time.Second,
				ParticipantRetryMaxDelay:  time.Millisecond,
			},
			want: "retry max delay",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		in       string
		protocol string
		endpoint string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", true},
		{"collector:9999", "grpc", "collector:9999", true},
		{"grpc://collector", "grpc", "collector:4317", true},
		{"grpcs://collector:4317", "grpc", "collector:4317", false},
		{"http://collector", "http", "collector:4318", true},
		{"https://collector/v1/traces", "http", "collector:4318", false},
	}
	for _, tc := range cases {
		target, err := resolveOTLPTarget(tc.in)
		if err != nil {
			t.Fatalf("resolveOTLPTarget(%q): %v", tc.in, err)
		}
		if target.protocol != tc.protocol || target.endpoint != tc.endpoint || target.insecure != tc.insecure {
			t.Fatalf("resolveOTLPTarget(%q) = %+v, want protocol=%s endpoint=%s insecure=%v",
				tc.in, target, tc.protocol, tc.endpoint, tc.insecure)
		}
	}
	if _, err := resolveOTLPTarget("ftp://collector"); err == nil {
		t.Fatalf("expected unknown scheme error")
	}
	if _, err := resolveOTLPTarget(""); err == nil {
		t.Fatalf("expected empty endpoint error")
	}
}
