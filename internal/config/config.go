package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all daemon configuration loaded from memva.jsonc.
// Every field has a working default; the file is optional.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Worker      WorkerConfig      `json:"worker"`
	Claude      ClaudeConfig      `json:"claude"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Backup      BackupConfig      `json:"backup"`
}

// ServerConfig holds the control surface listener settings
type ServerConfig struct {
	Address string `json:"address"`
}

// WorkerConfig holds job worker pool settings
type WorkerConfig struct {
	Concurrency    int `json:"concurrency"`
	PollIntervalMS int `json:"poll_interval_ms"`
}

// ClaudeConfig holds assistant CLI settings
type ClaudeConfig struct {
	// Executable overrides the lookup of the claude binary. Empty means
	// resolve from PATH and the usual install locations.
	Executable      string `json:"executable"`
	RunTimeoutHours int    `json:"run_timeout_hours"`
	// AllowedTools are auto-approved without a permission prompt
	AllowedTools []string `json:"allowed_tools"`
}

// MaintenanceConfig holds the periodic cleanup schedule
type MaintenanceConfig struct {
	PermissionSweepCron string `json:"permission_sweep_cron"`
	JobPruneCron        string `json:"job_prune_cron"`
	JobRetentionDays    int    `json:"job_retention_days"`
}

// BackupConfig holds database snapshot settings
type BackupConfig struct {
	Enabled       bool `json:"enabled"`
	Retention     int  `json:"retention"`
	IntervalHours int  `json:"interval_hours"`
}

// DefaultConfig returns the configuration used when memva.jsonc is absent
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1:8420"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 20
	}
	if cfg.Worker.PollIntervalMS == 0 {
		cfg.Worker.PollIntervalMS = 200
	}
	if cfg.Claude.RunTimeoutHours == 0 {
		cfg.Claude.RunTimeoutHours = 24
	}
	if cfg.Maintenance.PermissionSweepCron == "" {
		cfg.Maintenance.PermissionSweepCron = "0 * * * *"
	}
	if cfg.Maintenance.JobPruneCron == "" {
		cfg.Maintenance.JobPruneCron = "30 3 * * *"
	}
	if cfg.Maintenance.JobRetentionDays == 0 {
		cfg.Maintenance.JobRetentionDays = 30
	}
	if cfg.Backup.Retention == 0 {
		cfg.Backup.Retention = 7
	}
	if cfg.Backup.IntervalHours == 0 {
		cfg.Backup.IntervalHours = 24
	}
}

// Load reads memva.jsonc from the data directory. A missing file is not an
// error; defaults are returned.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "memva.jsonc")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	jsonData := StripJSONComments(data)

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks numeric ranges. Cron expressions are validated by the
// maintenance scheduler at startup.
func (c *Config) Validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollIntervalMS < 50 {
		return fmt.Errorf("worker.poll_interval_ms must be at least 50, got %d", c.Worker.PollIntervalMS)
	}
	if c.Claude.RunTimeoutHours < 1 {
		return fmt.Errorf("claude.run_timeout_hours must be at least 1, got %d", c.Claude.RunTimeoutHours)
	}
	if c.Maintenance.JobRetentionDays < 1 {
		return fmt.Errorf("maintenance.job_retention_days must be at least 1, got %d", c.Maintenance.JobRetentionDays)
	}
	if c.Backup.Retention < 1 {
		return fmt.Errorf("backup.retention must be at least 1, got %d", c.Backup.Retention)
	}
	return nil
}
