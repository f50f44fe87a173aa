package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "data/converse.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.DebounceWindow != 2*time.Second {
		t.Fatalf("debounce = %v", cfg.DebounceWindow)
	}
	if !cfg.Heartbeat.Enabled || cfg.Heartbeat.Interval != time.Minute {
		t.Fatalf("heartbeat defaults = %+v", cfg.Heartbeat)
	}
	if cfg.Policy.MaxPerDay != 3 || cfg.Policy.CooldownAfterUser != 2*time.Hour {
		t.Fatalf("policy defaults = %+v", cfg.Policy)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONVERSE_HTTP_ADDR", ":9090")
	t.Setenv("CONVERSE_DB_PATH", "/tmp/custom.db")
	t.Setenv("CONVERSE_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("CONVERSE_POLICY_MAX_PER_DAY", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Heartbeat.Interval != 30*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.Heartbeat.Interval)
	}
	if cfg.Policy.MaxPerDay != 1 {
		t.Fatalf("max per day = %d", cfg.Policy.MaxPerDay)
	}
}
