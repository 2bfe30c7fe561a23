package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"pkt.systems/commitd"
	"pkt.systems/pslog"
)

func TestBindConfigReadsEnv(t *testing.T) {
	t.Setenv("COMMITD_LISTEN", ":19351")
	t.Setenv("COMMITD_METRICS_LISTEN", ":19352")
	t.Setenv("COMMITD_RETAIN_COMPLETED", "true")
	viper.Reset()
	t.Cleanup(viper.Reset)

	_ = newRootCommand(pslog.NoopLogger())
	var cfg commitd.Config
	bindConfig(&cfg)
	if cfg.Listen != ":19351" {
		t.Fatalf("Listen = %q, want :19351", cfg.Listen)
	}
	if cfg.MetricsListen != ":19352" {
		t.Fatalf("MetricsListen = %q, want :19352", cfg.MetricsListen)
	}
	if !cfg.RetainCompletedCoordinators {
		t.Fatalf("RetainCompletedCoordinators = false, want true")
	}
}

func TestBindConfigFlagDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	_ = newRootCommand(pslog.NoopLogger())
	var cfg commitd.Config
	bindConfig(&cfg)
	if cfg.Listen != commitd.DefaultListen {
		t.Fatalf("Listen = %q, want %q", cfg.Listen, commitd.DefaultListen)
	}
	if cfg.ParticipantMaxAttempts != commitd.DefaultParticipantMaxAttempts {
		t.Fatalf("ParticipantMaxAttempts = %d, want %d", cfg.ParticipantMaxAttempts, commitd.DefaultParticipantMaxAttempts)
	}
	if cfg.JoinWarnInterval != commitd.DefaultJoinWarnInterval {
		t.Fatalf("JoinWarnInterval = %v, want %v", cfg.JoinWarnInterval, commitd.DefaultJoinWarnInterval)
	}
}

func TestVersionCommandPrints(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "commitd") {
		t.Fatalf("version output %q missing module name", out.String())
	}
}
