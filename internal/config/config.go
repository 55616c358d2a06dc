package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Store     StoreConfig     `toml:"store"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Runner    RunnerConfig    `toml:"runner"`
	Task      TaskConfig      `toml:"task"`
	Bus       BusConfig       `toml:"bus"`
	Observer  ObserverConfig  `toml:"observer"`
	Log       LogConfig       `toml:"log"`
}

// LLMConfig is the process-default model endpoint. Agents with a model
// profile override it per agent.
type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"; empty infers from dsn
	Path   string `toml:"path"`   // sqlite database file
	DSN    string `toml:"dsn"`    // postgres connection string
}

type WorkspaceConfig struct {
	Root  string `toml:"root"`  // bash tool cwd confinement root
	Shell string `toml:"shell"` // auto | bash | powershell | cmd
}

type RunnerConfig struct {
	MaxToolRounds int `toml:"max_tool_rounds"`
}

type TaskConfig struct {
	TickSeconds        int     `toml:"tick_seconds"`
	IdleCutoffSeconds  int     `toml:"idle_cutoff_seconds"`
	AdjacentSimilarity float64 `toml:"adjacent_similarity"`
	RepeatThreshold    float64 `toml:"repeat_threshold"`
}

type BusConfig struct {
	Capacity int `toml:"capacity"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP HTTP collector, host:port
	// Pricing overrides cost rates per model, USD per million tokens.
	Pricing map[string]float64 `toml:"pricing"`
}

type LogConfig struct {
	Level string `toml:"level"` // debug | info | warn | error
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM:       LLMConfig{Provider: "zhipu", Model: "glm-4.6"},
		Store:     StoreConfig{Path: "agora.db"},
		Workspace: WorkspaceConfig{Root: filepath.Join(home, "agora-workspace"), Shell: "auto"},
		Runner:    RunnerConfig{MaxToolRounds: 3},
		Task: TaskConfig{
			TickSeconds:        10,
			IdleCutoffSeconds:  90,
			AdjacentSimilarity: 0.9,
			RepeatThreshold:    0.6,
		},
		Bus: BusConfig{Capacity: 2048},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "agora.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("AGORA_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AGORA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGORA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGORA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AGORA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("AGORA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("AGORA_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("AGORA_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if os.Getenv("AGORA_OBSERVER_ENABLED") == "true" || os.Getenv("AGORA_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("AGORA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Fallbacks
	if cfg.Store.Driver == "" {
		if cfg.Store.DSN != "" {
			cfg.Store.Driver = "postgres"
		} else {
			cfg.Store.Driver = "sqlite"
		}
	}
	// A too-small ring drops live stream deltas under load; 2000 is the floor.
	if cfg.Bus.Capacity < 2000 {
		cfg.Bus.Capacity = 2000
	}

	return cfg
}
