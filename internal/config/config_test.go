package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "zhipu" {
		t.Errorf("expected zhipu, got %s", cfg.LLM.Provider)
	}
	if cfg.Runner.MaxToolRounds != 3 {
		t.Errorf("expected 3 tool rounds, got %d", cfg.Runner.MaxToolRounds)
	}
	if cfg.Task.TickSeconds != 10 {
		t.Errorf("expected tick 10, got %d", cfg.Task.TickSeconds)
	}
	if cfg.Task.AdjacentSimilarity != 0.9 {
		t.Errorf("expected 0.9, got %f", cfg.Task.AdjacentSimilarity)
	}
	if cfg.Workspace.Shell != "auto" {
		t.Errorf("expected auto shell, got %s", cfg.Workspace.Shell)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[llm]
provider = "openai"
model = "gpt-4.1"

[task]
tick_seconds = 5
`), 0644)

	cfg := Load(path)
	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected openai, got %s", cfg.LLM.Provider)
	}
	if cfg.Task.TickSeconds != 5 {
		t.Errorf("expected tick 5, got %d", cfg.Task.TickSeconds)
	}
	// Defaults preserved
	if cfg.Store.Path != "agora.db" {
		t.Errorf("default should be preserved, got %s", cfg.Store.Path)
	}
	if cfg.Task.RepeatThreshold != 0.6 {
		t.Errorf("default should be preserved, got %f", cfg.Task.RepeatThreshold)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AGORA_LLM_API_KEY", "env-key")
	t.Setenv("AGORA_STORE_DSN", "postgres://env/db")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.Store.DSN != "postgres://env/db" {
		t.Errorf("expected env dsn, got %s", cfg.Store.DSN)
	}
}

func TestBusCapacityFloor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[bus]
capacity = 64
`), 0644)

	cfg := Load(path)
	if cfg.Bus.Capacity != 2000 {
		t.Errorf("capacity below floor should clamp to 2000, got %d", cfg.Bus.Capacity)
	}

	os.WriteFile(path, []byte(`
[bus]
capacity = 4096
`), 0644)
	cfg = Load(path)
	if cfg.Bus.Capacity != 4096 {
		t.Errorf("capacity above floor should be kept, got %d", cfg.Bus.Capacity)
	}
}

func TestDriverFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[store]
driver = ""
dsn = "postgres://localhost/agora"
`), 0644)

	cfg := Load(path)
	if cfg.Store.Driver != "postgres" {
		t.Errorf("dsn should imply postgres, got %s", cfg.Store.Driver)
	}

	os.WriteFile(path, []byte(`
[store]
driver = ""
`), 0644)
	cfg = Load(path)
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("no dsn should imply sqlite, got %s", cfg.Store.Driver)
	}
}
