package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"IRC_SERVER", "IRC_PORT", "IRC_CHANNEL", "DB_DSN", "DATA_DIR", "WAL_DRAIN_INTERVAL", "AGG_INTERVAL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.IRCServer != "irc.ppy.sh" || cfg.IRCPort != 6667 {
		t.Errorf("unexpected irc defaults: %s:%d", cfg.IRCServer, cfg.IRCPort)
	}
	if cfg.IRCChannel != "#russian" {
		t.Errorf("unexpected default channel %q", cfg.IRCChannel)
	}
	if cfg.DrainInterval != 200*time.Millisecond {
		t.Errorf("unexpected drain interval %v", cfg.DrainInterval)
	}
	if cfg.AggInterval != 5*time.Second {
		t.Errorf("unexpected agg interval %v", cfg.AggInterval)
	}
	if cfg.MaxMessageLength != 200 {
		t.Errorf("unexpected max message length %d", cfg.MaxMessageLength)
	}
}

func TestLoadBadPort(t *testing.T) {
	t.Setenv("IRC_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid IRC_PORT")
	}
}

func TestIntervalOverrides(t *testing.T) {
	t.Setenv("WAL_DRAIN_INTERVAL", "1s")
	t.Setenv("AGG_INTERVAL", "30s")
	t.Setenv("AGG_LOOKBACK_DAYS", "5")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DrainInterval != time.Second || cfg.AggInterval != 30*time.Second || cfg.AggLookbackDays != 5 {
		t.Errorf("overrides not applied: %v %v %d", cfg.DrainInterval, cfg.AggInterval, cfg.AggLookbackDays)
	}
}

func TestValidateIRCReady(t *testing.T) {
	t.Setenv("IRC_SERVER", "irc.example.org")
	t.Setenv("IRC_NICK", "bot")
	cfg, _ := Load()
	if err := cfg.ValidateIRCReady(); err != nil {
		t.Errorf("expected valid irc config, got %v", err)
	}
	if err := os.Unsetenv("IRC_NICK"); err != nil {
		t.Fatalf("failed to unset IRC_NICK: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateIRCReady(); err == nil {
		t.Errorf("expected error when IRC_NICK missing")
	}
}

func TestHasOsuAPI(t *testing.T) {
	t.Setenv("OSU_CLIENT_ID", "123")
	t.Setenv("OSU_CLIENT_SECRET", "")
	cfg, _ := Load()
	if cfg.HasOsuAPI() {
		t.Errorf("expected HasOsuAPI false without secret")
	}
	t.Setenv("OSU_CLIENT_SECRET", "s3cret")
	cfg, _ = Load()
	if !cfg.HasOsuAPI() {
		t.Errorf("expected HasOsuAPI true")
	}
}
