package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TELLY_DATA_DIR", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ShortTerm.Capacity != 200 {
		t.Errorf("capacity = %d, want 200", cfg.ShortTerm.Capacity)
	}
	if cfg.Context.MaxTokens != 100000 {
		t.Errorf("max tokens = %d, want 100000", cfg.Context.MaxTokens)
	}
	if cfg.Episodes.Dir != filepath.Join("data", "memory", "episodes") {
		t.Errorf("episodes dir = %q", cfg.Episodes.Dir)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TELLY_DATA_DIR", "")
	path := filepath.Join(dir, "config.yaml")
	body := `
data_dir: ` + dir + `
short_term:
  capacity: 20
episodes:
  timeout: 45m
embedder:
  provider: hash
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ShortTerm.Capacity != 20 {
		t.Errorf("capacity = %d, want 20", cfg.ShortTerm.Capacity)
	}
	if cfg.ShortTerm.DecayTime != 30*time.Minute {
		t.Errorf("decay time default lost: %v", cfg.ShortTerm.DecayTime)
	}
	if cfg.Episodes.Timeout != 45*time.Minute {
		t.Errorf("episode timeout = %v, want 45m", cfg.Episodes.Timeout)
	}
	if cfg.Embedder.Provider != "hash" {
		t.Errorf("embedder provider = %q", cfg.Embedder.Provider)
	}
	if cfg.Database != filepath.Join(dir, "memory.db") {
		t.Errorf("database = %q", cfg.Database)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.ProviderConfigured("anthropic") {
		t.Fatal("anthropic should be configured from the environment")
	}
	if cfg.ProviderConfigured("none") {
		t.Fatal("unknown provider reported as configured")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "config.yaml")
	cfg := Defaults()
	cfg.DataDir = dir
	cfg.ShortTerm.Capacity = 7
	if err := Save(&cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ShortTerm.Capacity != 7 {
		t.Fatalf("capacity = %d, want 7", loaded.ShortTerm.Capacity)
	}
}

func TestValidateRejectsBadCapacity(t *testing.T) {
	cfg := Defaults()
	cfg.ShortTerm.Capacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
