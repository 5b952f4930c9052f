// Package config loads ixchel's project configuration
// (.ixchel/config.toml): which embedding provider and storage backend to
// use, HNSW parameters, and daemon tuning. Discovery walks up from the
// current directory the same way the teacher's config.Initialize locates
// .beads/config.yaml (project file > user config dir > home dir), but
// reads TOML instead of YAML (SPEC_FULL.md §1). Writing a fresh default
// file (on init) goes through BurntSushi/toml against the typed Config
// struct below, rather than through viper's generic map, so the written
// file is exactly what Config documents.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config is ixchel's project configuration, written to .ixchel/config.toml.
type Config struct {
	Embedding EmbeddingConfig `toml:"embedding"`
	Store     StoreConfig     `toml:"store"`
	Daemon    DaemonConfig    `toml:"daemon"`
}

// EmbeddingConfig selects and tunes the embedding provider (spec.md §4.4).
type EmbeddingConfig struct {
	Provider  string `toml:"provider"`   // "hash" | "wazero" | "ollama"
	ModelName string `toml:"model_name"` // recorded into the sync manifest
	BatchSize int    `toml:"batch_size"`
	// OllamaURL is only consulted when Provider == "ollama".
	OllamaURL string `toml:"ollama_url"`
	// ModelPath is only consulted when Provider == "wazero" (path to the
	// .wasm module under .ixchel/models/).
	ModelPath string `toml:"model_path"`
}

// StoreConfig tunes the HNSW vector index (spec.md §4.5).
type StoreConfig struct {
	Dimension      int `toml:"dimension"`
	HNSWM          int `toml:"hnsw_m"`
	EfConstruction int `toml:"hnsw_ef_construction"`
	EfSearch       int `toml:"hnsw_ef_search"`
}

// DaemonConfig tunes the daemon's queue/watcher/server behavior.
type DaemonConfig struct {
	IdleTimeout     time.Duration `toml:"-"`
	IdleTimeoutStr  string        `toml:"idle_timeout"`
	PollInterval    time.Duration `toml:"-"`
	PollIntervalStr string        `toml:"poll_interval"`
}

// Default returns ixchel's built-in configuration, used when no
// config.toml is found anywhere in the discovery chain.
func Default() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			ModelName: "hash-bucket-v1",
			BatchSize: 32,
		},
		Store: StoreConfig{
			Dimension:      384,
			HNSWM:          16,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Daemon: DaemonConfig{
			IdleTimeout:     10 * time.Minute,
			IdleTimeoutStr:  "10m",
			PollInterval:    2 * time.Second,
			PollIntervalStr: "2s",
		},
	}
}

// Load discovers and reads .ixchel/config.toml starting from startDir,
// falling back to Default() when nothing is found. Environment variables
// prefixed IXCHEL_ override file values, mirroring the teacher's BD_-prefix
// env binding.
func Load(startDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("IXCHEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("embedding.provider", def.Embedding.Provider)
	v.SetDefault("embedding.model_name", def.Embedding.ModelName)
	v.SetDefault("embedding.batch_size", def.Embedding.BatchSize)
	v.SetDefault("embedding.ollama_url", "http://127.0.0.1:11434")
	v.SetDefault("embedding.model_path", "")
	v.SetDefault("store.dimension", def.Store.Dimension)
	v.SetDefault("store.hnsw_m", def.Store.HNSWM)
	v.SetDefault("store.hnsw_ef_construction", def.Store.EfConstruction)
	v.SetDefault("store.hnsw_ef_search", def.Store.EfSearch)
	v.SetDefault("daemon.idle_timeout", def.Daemon.IdleTimeoutStr)
	v.SetDefault("daemon.poll_interval", def.Daemon.PollIntervalStr)

	configPath, found := discover(startDir)
	if found {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		Embedding: EmbeddingConfig{
			Provider:  v.GetString("embedding.provider"),
			ModelName: v.GetString("embedding.model_name"),
			BatchSize: v.GetInt("embedding.batch_size"),
			OllamaURL: v.GetString("embedding.ollama_url"),
			ModelPath: v.GetString("embedding.model_path"),
		},
		Store: StoreConfig{
			Dimension:      v.GetInt("store.dimension"),
			HNSWM:          v.GetInt("store.hnsw_m"),
			EfConstruction: v.GetInt("store.hnsw_ef_construction"),
			EfSearch:       v.GetInt("store.hnsw_ef_search"),
		},
	}

	idleStr := v.GetString("daemon.idle_timeout")
	idle, err := time.ParseDuration(idleStr)
	if err != nil {
		return nil, fmt.Errorf("config: daemon.idle_timeout %q: %w", idleStr, err)
	}
	pollStr := v.GetString("daemon.poll_interval")
	poll, err := time.ParseDuration(pollStr)
	if err != nil {
		return nil, fmt.Errorf("config: daemon.poll_interval %q: %w", pollStr, err)
	}
	cfg.Daemon = DaemonConfig{
		IdleTimeout: idle, IdleTimeoutStr: idleStr,
		PollInterval: poll, PollIntervalStr: pollStr,
	}

	return cfg, nil
}

// discover walks upward from startDir looking for .ixchel/config.toml,
// then falls back to $XDG_CONFIG_HOME/ixchel/config.toml, then
// ~/.ixchel/config.toml — matching the teacher's three-tier precedence.
func discover(startDir string) (string, bool) {
	for dir := startDir; ; {
		candidate := filepath.Join(dir, ".ixchel", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if cfgDir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(cfgDir, "ixchel", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".ixchel", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// WriteDefault writes a fresh config.toml at path using the typed Config
// struct, via BurntSushi/toml, for deterministic `init`-time file
// generation (as opposed to Load's flexible viper-based reads).
func WriteDefault(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	return nil
}
