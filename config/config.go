package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"agentfleet/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentfleet"), nil
}

// Config represents the application configuration. It is loaded once at
// process start and immutable for the process lifetime.
type Config struct {
	// WorkerCount is the number of identical worker processes sharing the task load.
	WorkerCount int `json:"worker_count"`
	// PollIntervalSec is the base sleep (seconds) between scheduler cycles.
	PollIntervalSec int `json:"poll_interval_sec"`
	// PollJitterSec is the random jitter (seconds) applied to the poll interval.
	PollJitterSec int `json:"poll_jitter_sec"`
	// TaskTimeoutSec bounds a single task execution (seconds).
	TaskTimeoutSec int `json:"task_timeout_sec"`
	// StartupStaggerSec is multiplied by the worker id for the one-time startup delay.
	StartupStaggerSec int `json:"startup_stagger_sec"`
	// MonitorIntervalSec is how often the resource monitor runs (seconds).
	MonitorIntervalSec int `json:"monitor_interval_sec"`
	// MemoryCeilingMB triggers emergency cleanup when process heap exceeds it.
	MemoryCeilingMB int `json:"memory_ceiling_mb"`
	// MaxTaskDurationSec is the longest a monitored task may run before cancellation (seconds).
	MaxTaskDurationSec int `json:"max_task_duration_sec"`
	// LeakThresholdSec flags database sessions open longer than this (seconds).
	LeakThresholdSec int `json:"leak_threshold_sec"`
	// HardLeakThresholdSec force-evicts session bookkeeping older than this (seconds).
	HardLeakThresholdSec int `json:"hard_leak_threshold_sec"`
	// StopGraceSec bounds the wait for cooperative shutdown of a cancelled conversation (seconds).
	StopGraceSec int `json:"stop_grace_sec"`
	// RedisAddr is the optional shared cache backend (host:port). Empty means local-only mode.
	RedisAddr string `json:"redis_addr"`
	// RedisPassword is the shared cache backend password.
	RedisPassword string `json:"redis_password"`
	// RedisDB is the shared cache backend database number.
	RedisDB int `json:"redis_db"`
	// DBPath is the path to the durable task store.
	DBPath string `json:"db_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		WorkerCount:          1,
		PollIntervalSec:      60,
		PollJitterSec:        5,
		TaskTimeoutSec:       180,
		StartupStaggerSec:    5,
		MonitorIntervalSec:   600,
		MemoryCeilingMB:      2048,
		MaxTaskDurationSec:   3600,
		LeakThresholdSec:     600,
		HardLeakThresholdSec: 900,
		StopGraceSec:         2,
		RedisAddr:            "",
		RedisPassword:        "",
		RedisDB:              0,
		DBPath:               "",
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return
// the default configuration. Environment overrides are applied last so a fleet
// deployment can vary worker count without editing the config file.
func LoadConfig() *Config {
	cfg := loadFromDisk()
	applyEnvOverrides(cfg)
	if cfg.DBPath == "" {
		if dir, err := GetConfigDir(); err == nil {
			cfg.DBPath = filepath.Join(dir, "tasks.db")
		}
	}
	return cfg
}

func loadFromDisk() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTFLEET_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		} else {
			log.WarningLog.Printf("ignoring invalid AGENTFLEET_WORKERS=%q", v)
		}
	}
	if v := os.Getenv("AGENTFLEET_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// Duration accessors. JSON stores plain integer seconds to keep the config
// file hand-editable.

func (c *Config) PollInterval() time.Duration { return time.Duration(c.PollIntervalSec) * time.Second }
func (c *Config) PollJitter() time.Duration { return time.Duration(c.PollJitterSec) * time.Second }
func (c *Config) TaskTimeout() time.Duration { return time.Duration(c.TaskTimeoutSec) * time.Second }
func (c *Config) StartupStagger() time.Duration { return time.Duration(c.StartupStaggerSec) * time.Second }
func (c *Config) MonitorInterval() time.Duration { return time.Duration(c.MonitorIntervalSec) * time.Second }
func (c *Config) MaxTaskDuration() time.Duration { return time.Duration(c.MaxTaskDurationSec) * time.Second }
func (c *Config) LeakThreshold() time.Duration { return time.Duration(c.LeakThresholdSec) * time.Second }
func (c *Config) HardLeakThreshold() time.Duration { return time.Duration(c.HardLeakThresholdSec) * time.Second }
func (c *Config) StopGrace() time.Duration { return time.Duration(c.StopGraceSec) * time.Second }
