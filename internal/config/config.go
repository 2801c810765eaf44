// Package config loads broker configuration from a JSON file with
// environment overrides. A missing file is written out with defaults so the
// first run leaves an editable template behind.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	Sessions struct {
		MaxConcurrent       int    `json:"max_concurrent"`
		TimeoutMinutes      int    `json:"timeout_minutes"`
		WarningMinutes      int    `json:"warning_minutes"`
		GraceSeconds        int    `json:"grace_seconds"`
		MaxConcurrentStarts int    `json:"max_concurrent_starts"`
		DefaultVariant      string `json:"default_variant"`
		OutputBufferSize    int    `json:"output_buffer_size"`
	} `json:"sessions"`

	Variants struct {
		ClaudeBin   string `json:"claude_bin"`
		OpenCodeBin string `json:"opencode_bin"`
	} `json:"variants"`

	Store struct {
		DatabasePath string `json:"database_path"`
		RedisURL     string `json:"redis_url"`
	} `json:"store"`

	Bus struct {
		NATSURL         string `json:"nats_url"`
		SubjectPrefix   string `json:"subject_prefix"`
		QueueSize       int    `json:"queue_size"`
		RetentionDays   int    `json:"retention_days"`
		DedupWindowSecs int    `json:"dedup_window_seconds"`
	} `json:"bus"`
}

// SessionTimeout returns the configured idle timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.TimeoutMinutes) * time.Minute
}

// WarningWindow returns how long before the timeout a warning fires.
func (c *Config) WarningWindow() time.Duration {
	return time.Duration(c.Sessions.WarningMinutes) * time.Minute
}

// GracePeriod returns how long a terminating process gets before SIGKILL.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Sessions.GraceSeconds) * time.Second
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".jelmore"),
		LogLevel: "info",
	}
	cfg.Sessions.MaxConcurrent = 10
	cfg.Sessions.TimeoutMinutes = 30
	cfg.Sessions.WarningMinutes = 5
	cfg.Sessions.GraceSeconds = 5
	cfg.Sessions.MaxConcurrentStarts = 4
	cfg.Sessions.DefaultVariant = "claude"
	cfg.Sessions.OutputBufferSize = 1024
	cfg.Variants.ClaudeBin = "claude"
	cfg.Variants.OpenCodeBin = "opencode"
	cfg.Bus.SubjectPrefix = "jelmore"
	cfg.Bus.QueueSize = 1024
	cfg.Bus.RetentionDays = 7
	cfg.Bus.DedupWindowSecs = 120

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Store.DatabasePath == "" {
		cfg.Store.DatabasePath = filepath.Join(cfg.DataDir, "sessions.db")
	}

	// Override from env (highest precedence)
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Store.RedisURL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.Bus.NATSURL = url
	}
	if path := os.Getenv("JELMORE_DB"); path != "" {
		cfg.Store.DatabasePath = path
	}
	if bin := os.Getenv("CLAUDE_BIN"); bin != "" {
		cfg.Variants.ClaudeBin = bin
	}
	if bin := os.Getenv("OPENCODE_BIN"); bin != "" {
		cfg.Variants.OpenCodeBin = bin
	}
	if level := os.Getenv("JELMORE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
