package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/astroseq/config.json"
	defaultThreadCap  = 8
)

// Config holds user-editable settings for the engine.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences of the sequence engine.
type Processing struct {
	// ThreadCap bounds workers per job regardless of memory budget.
	ThreadCap int `json:"thread_cap"`
	// FallbackAvailableMB is assumed when the OS memory query fails.
	// The engine logs whenever it falls back to this value.
	FallbackAvailableMB int64 `json:"fallback_available_mb"`
	// WriterQueueDepth caps buffered-but-unwritten output frames.
	WriterQueueDepth int `json:"writer_queue_depth"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Paths configures default locations.
type Paths struct {
	WorkingDir   string `json:"working_dir"`
	DatabasePath string `json:"database_path"`
}

// Server configures the job server.
type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible
// defaults when no file exists.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("ASTROSEQ_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to the active config path, creating directories as
// needed.
func Save(cfg *Config) error {
	configPath := os.Getenv("ASTROSEQ_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0644)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ThreadCap:           defaultThreadCap,
			FallbackAvailableMB: 2048,
			WriterQueueDepth:    16,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			WorkingDir:   ".",
			DatabasePath: filepath.Join(os.TempDir(), "astroseq.db"),
		},
		Server: Server{
			Addr: "127.0.0.1:8780",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
