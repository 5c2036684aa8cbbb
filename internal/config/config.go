// Package config loads the orchestrator's runtime configuration in three
// layers: built-in defaults, an optional TOML file, then environment
// variables, each overriding the last.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Model      ModelConfig      `toml:"model"`
	Database   DatabaseConfig   `toml:"database"`
	Compaction CompactionConfig `toml:"compaction"`
	Workspace  WorkspaceConfig  `toml:"workspace"`
	Tooling    ToolingConfig    `toml:"tooling"`
	Observer   ObserverConfig   `toml:"observer"`
}

// ModelConfig governs streaming throttle and iteration limits (spec §4.6,
// §4.8), independent of any one model backend.
type ModelConfig struct {
	MaxIterations      int    `toml:"max_iterations"`
	ThrottleIntervalMs int    `toml:"throttle_interval_ms"`
	FlushPrompt        string `toml:"flush_prompt"`
	RemoteEndpoint     string `toml:"remote_endpoint"`
	RemoteAPIKey       string `toml:"remote_api_key"`
}

// DatabaseConfig selects and configures the Database backend.
type DatabaseConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "postgres"
	Path    string `toml:"path"`    // sqlite
	DSN     string `toml:"dsn"`     // postgres
}

// CompactionConfig governs the Decision Chain's context-pressure flush.
type CompactionConfig struct {
	ContextPressureThreshold float64 `toml:"context_pressure_threshold"`
}

// WorkspaceConfig points at the optional file-backed workspace loaders.
type WorkspaceConfig struct {
	Path string `toml:"path"`
}

// ToolingConfig configures the sandboxed tool executor.
type ToolingConfig struct {
	SandboxImage string `toml:"sandbox_image"`
	MaxParallel  int    `toml:"max_parallel"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all built-in defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Model: ModelConfig{
			MaxIterations:      10,
			ThrottleIntervalMs: 150,
			FlushPrompt:        "Summarize the conversation so far and continue.",
		},
		Database: DatabaseConfig{
			Backend: "sqlite",
			Path:    "edgeagent.db",
		},
		Compaction: CompactionConfig{
			ContextPressureThreshold: 0.85,
		},
		Workspace: WorkspaceConfig{
			Path: filepath.Join(home, "edgeagent-workspace"),
		},
		Tooling: ToolingConfig{
			SandboxImage: "edgeagent/tool-sandbox:latest",
			MaxParallel:  10,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). path
// defaults to "edgeagent.toml" when empty; a missing or unparsable file is
// silently ignored, since Default() already produces a usable Config.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "edgeagent.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("EDGEAGENT_REMOTE_ENDPOINT"); v != "" {
		cfg.Model.RemoteEndpoint = v
	}
	if v := os.Getenv("EDGEAGENT_REMOTE_API_KEY"); v != "" {
		cfg.Model.RemoteAPIKey = v
	}
	if v := os.Getenv("EDGEAGENT_DB_BACKEND"); v != "" {
		cfg.Database.Backend = v
	}
	if v := os.Getenv("EDGEAGENT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("EDGEAGENT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("EDGEAGENT_WORKSPACE_PATH"); v != "" {
		cfg.Workspace.Path = v
	}
	if os.Getenv("EDGEAGENT_OBSERVER_ENABLED") == "true" || os.Getenv("EDGEAGENT_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
