// Package config handles QuietDesk configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Server
	Server ServerConfig `json:"server"`

	// Services
	Claude ClaudeConfig `json:"claude"`

	// Heartbeat
	Heartbeat HeartbeatConfig `json:"heartbeat"`

	// Features
	Features FeatureConfig `json:"features"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// ClaudeConfig for Claude API
type ClaudeConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	Timeout int    `json:"timeout_seconds"` // per-call judgment budget
}

// HeartbeatConfig for the sync loop
type HeartbeatConfig struct {
	Interval       Duration `json:"interval"`        // how often the heartbeat fires
	MaintenanceAt  string   `json:"maintenance_at"`  // local HH:MM the daily sweep is scheduled for
	BackupFilename string   `json:"backup_filename"` // written under DataDir during daily maintenance
}

// FeatureConfig for feature flags
type FeatureConfig struct {
	EnableHeartbeat bool `json:"enable_heartbeat"`
	EnableLearning  bool `json:"enable_learning"`
	DebugMode       bool `json:"debug_mode"`
}

// Duration wraps time.Duration with JSON string encoding ("15m", "1h")
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".quietdesk"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Claude: ClaudeConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			Model:   "claude-sonnet-4-20250514",
			Timeout: 30,
		},
		Heartbeat: HeartbeatConfig{
			Interval:       Duration(15 * time.Minute),
			MaintenanceAt:  "03:00",
			BackupFilename: "quietdesk.backup.db",
		},
		Features: FeatureConfig{
			EnableHeartbeat: true,
			EnableLearning:  true,
			DebugMode:       false,
		},
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Override API key from env if set
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Claude.APIKey = apiKey
	}

	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save API key to file
	safeCfg := *c
	safeCfg.Claude.APIKey = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DatabasePath returns the SQLite file location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "quietdesk.db")
}

// BackupPath returns where daily maintenance writes the DB copy
func (c *Config) BackupPath() string {
	return filepath.Join(c.DataDir, c.Heartbeat.BackupFilename)
}
