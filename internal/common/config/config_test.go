package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath failed: %v", err)
	}

	if cfg.Dispatcher.HeartbeatTimeout != 90*time.Second {
		t.Errorf("heartbeatTimeout = %v, want 90s", cfg.Dispatcher.HeartbeatTimeout)
	}
	if cfg.Dispatcher.TickInterval != 50*time.Millisecond {
		t.Errorf("tickInterval = %v, want 50ms", cfg.Dispatcher.TickInterval)
	}
	if cfg.Dispatcher.MaxPendingTasks != 10000 {
		t.Errorf("maxPendingTasks = %d, want 10000", cfg.Dispatcher.MaxPendingTasks)
	}
	if cfg.Connector.CommandTimeout != 10*time.Minute {
		t.Errorf("commandTimeout = %v, want 10m", cfg.Connector.CommandTimeout)
	}
	if cfg.Dispatcher.ShutdownGrace != 30*time.Second {
		t.Errorf("shutdownGrace = %v, want 30s", cfg.Dispatcher.ShutdownGrace)
	}
	if cfg.Dispatcher.RetryMaxAttempts != 3 {
		t.Errorf("retryMaxAttempts = %d, want 3", cfg.Dispatcher.RetryMaxAttempts)
	}
	if cfg.Dispatcher.RetryBaseBackoff != 2*time.Second {
		t.Errorf("retryBaseBackoff = %v, want 2s", cfg.Dispatcher.RetryBaseBackoff)
	}
	if !cfg.Dispatcher.WarmupOnStartup {
		t.Error("warmupOnStartup should default to true")
	}
	if cfg.Bus.SubscriberBuffer != 256 {
		t.Errorf("subscriberBuffer = %d, want 256", cfg.Bus.SubscriberBuffer)
	}
	if cfg.Database.Engine != "sqlite" {
		t.Errorf("database.engine = %q, want sqlite", cfg.Database.Engine)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9191
dispatcher:
  heartbeatTimeout: 2m
  maxPendingTasks: 50
database:
  engine: memory
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath failed: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("server.port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Dispatcher.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("heartbeatTimeout = %v, want 2m", cfg.Dispatcher.HeartbeatTimeout)
	}
	if cfg.Dispatcher.MaxPendingTasks != 50 {
		t.Errorf("maxPendingTasks = %d, want 50", cfg.Dispatcher.MaxPendingTasks)
	}
	if cfg.Database.Engine != "memory" {
		t.Errorf("database.engine = %q, want memory", cfg.Database.Engine)
	}
}

func TestValidateRejectsBadEngine(t *testing.T) {
	dir := t.TempDir()
	yaml := "database:\n  engine: etcd\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadWithPath(dir); err == nil {
		t.Fatal("expected validation error for unknown database engine")
	}
}
