package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/commitd"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("COMMITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "commitd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg commitd.Config

	cmd := &cobra.Command{
		Use:           "commitd",
		Short:         "commitd coordinates two-phase commit for cross-shard transactions",
		SilenceErrors: true,
		Example: `
  # Serve on the default port
  commitd

  # Prometheus metrics and an OTLP trace collector
  commitd --metrics-listen :9352 --otlp-endpoint grpc://localhost:4317

  # Environment-driven configuration
  COMMITD_LISTEN=:9351 COMMITD_METRICS_LISTEN=:9352 commitd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to commitd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			bindConfig(&cfg)
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel != "" {
				if level, ok := pslog.ParseLevel(logLevel); ok {
					logger = logger.LogLevel(level)
					cliLogger = svcfields.WithSubsystem(logger, "cli.root")
				}
			}

			server, err := commitd.NewServer(cfg, commitd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.AddCommand(newVersionCommand())

	flags := cmd.Flags()
	flags.String("listen", commitd.DefaultListen, "listen address")
	flags.String("listen-proto", commitd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", commitd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", commitd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("retain-completed", false, "keep successfully decided coordinators for diagnostics")
	flags.Duration("join-warn-interval", commitd.DefaultJoinWarnInterval, "cadence of drain-progress log lines while waiting on active coordinations")
	flags.Duration("shutdown-timeout", commitd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.Duration("participant-timeout", commitd.DefaultParticipantTimeout, "per-request timeout for participant prepare/commit/abort calls")
	flags.Int("participant-attempts", commitd.DefaultParticipantMaxAttempts, "maximum attempts per participant request")
	flags.Duration("participant-retry-base-delay", commitd.DefaultParticipantRetryBaseDelay, "initial backoff between participant retries")
	flags.Duration("participant-retry-max-delay", commitd.DefaultParticipantRetryMaxDelay, "maximum backoff between participant retries")
	flags.Float64("participant-retry-multiplier", commitd.DefaultParticipantRetryMultiplier, "exponential backoff ratio for participant retries")
	flags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("COMMITD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	names := []string{
		"listen", "listen-proto", "metrics-listen", "pprof-listen",
		"enable-profiling-metrics", "otlp-endpoint", "retain-completed",
		"join-warn-interval", "shutdown-timeout",
		"participant-timeout", "participant-attempts",
		"participant-retry-base-delay", "participant-retry-max-delay",
		"participant-retry-multiplier", "log-level",
	}
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	return cmd
}

func bindConfig(cfg *commitd.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.RetainCompletedCoordinators = viper.GetBool("retain-completed")
	cfg.JoinWarnInterval = viper.GetDuration("join-warn-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.ParticipantTimeout = viper.GetDuration("participant-timeout")
	cfg.ParticipantMaxAttempts = viper.GetInt("participant-attempts")
	cfg.ParticipantRetryBaseDelay = viper.GetDuration("participant-retry-base-delay")
	cfg.ParticipantRetryMaxDelay = viper.GetDuration("participant-retry-max-delay")
	cfg.ParticipantRetryMultiplier = viper.GetFloat64("participant-retry-multiplier")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
