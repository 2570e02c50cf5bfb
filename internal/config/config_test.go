package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Pool.Size != 5 {
		t.Errorf("default pool size = %d, want 5", cfg.Pool.Size)
	}
	if cfg.Session.IdleTimeout != 300*time.Second {
		t.Errorf("default idle timeout = %s", cfg.Session.IdleTimeout)
	}
	if cfg.Agent.MaxSteps != 100 {
		t.Errorf("default max steps = %d", cfg.Agent.MaxSteps)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cua.yaml")
	data := `
server:
  host: 127.0.0.1
  port: 9100
  mode: both
pool:
  size: 2
agent:
  model: anthropic/claude-3-5-sonnet-20241022
  max_steps: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Server.Mode != "both" {
		t.Errorf("server config not applied: %+v", cfg.Server)
	}
	if cfg.Pool.Size != 2 {
		t.Errorf("pool size = %d, want 2", cfg.Pool.Size)
	}
	if cfg.Agent.Model != "anthropic/claude-3-5-sonnet-20241022" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	// Untouched fields keep defaults.
	if cfg.Session.IdleTimeout != 300*time.Second {
		t.Errorf("idle timeout lost default: %s", cfg.Session.IdleTimeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Size != 5 {
		t.Errorf("expected defaults, got %+v", cfg.Pool)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Default()
	cfg.Server.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv(EnvModelName, "openai/computer-use-preview")
	t.Setenv(EnvContainerName, "box-7")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "openai/computer-use-preview" {
		t.Errorf("model from env = %q", cfg.Agent.Model)
	}
	if cfg.Computer.Name != "box-7" {
		t.Errorf("container from env = %q", cfg.Computer.Name)
	}
}

func TestEnvSnapshotOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "process-key")
	snap := CaptureEnv(map[string]string{"OPENAI_API_KEY": "request-key"})
	if got := snap.Get("OPENAI_API_KEY"); got != "request-key" {
		t.Errorf("override not applied: %q", got)
	}
	// Process env is untouched.
	if os.Getenv("OPENAI_API_KEY") != "process-key" {
		t.Error("process environment was mutated")
	}
	if got := snap.GetDefault("NO_SUCH_KEY", "fb"); got != "fb" {
		t.Errorf("GetDefault = %q", got)
	}
}
