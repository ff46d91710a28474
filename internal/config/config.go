package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Scaling ScalingConfig `mapstructure:"scaling"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type PoolConfig struct {
	MinWorkers               int      `mapstructure:"min_workers"`
	MaxWorkers               int      `mapstructure:"max_workers"`
	WorkDirectory            string   `mapstructure:"work_directory"`
	AgentBinary              string   `mapstructure:"agent_binary"`
	HeartbeatIntervalSeconds int      `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatMissThreshold   int      `mapstructure:"heartbeat_miss_threshold"`
	MaxWorkerRestarts        int      `mapstructure:"max_worker_restarts"`
	RetentionMinutes         int      `mapstructure:"retention_minutes"`
	EnvWhitelist             []string `mapstructure:"env_whitelist"`
}

type ScalingConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	UpperThreshold  float64 `mapstructure:"upper_threshold"`
	LowerThreshold  float64 `mapstructure:"lower_threshold"`
	Step            int     `mapstructure:"step"`
	CooldownSeconds int     `mapstructure:"cooldown_seconds"`
}

type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
	TrialTasks       int `mapstructure:"trial_tasks"`
}

type RetryConfig struct {
	BaseDelayMS int `mapstructure:"base_delay_ms"`
	MaxDelayMS  int `mapstructure:"max_delay_ms"`
	MaxRetries  int `mapstructure:"max_retries"`
}

type LimitsConfig struct {
	MaxMemoryMB     int `mapstructure:"max_memory_mb"`
	CPUSharePercent int `mapstructure:"cpu_share_percent"`
	MaxChildProcs   int `mapstructure:"max_child_procs"`
	MaxOpenFiles    int `mapstructure:"max_open_files"`
}

type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".forge-pool"))
	}

	// Set defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("pool.min_workers", 2)
	v.SetDefault("pool.max_workers", 8)
	v.SetDefault("pool.work_directory", "./work")
	v.SetDefault("pool.agent_binary", "./forge-agent")
	v.SetDefault("pool.heartbeat_interval_seconds", 30)
	v.SetDefault("pool.heartbeat_miss_threshold", 3)
	v.SetDefault("pool.max_worker_restarts", 3)
	v.SetDefault("pool.retention_minutes", 60)
	v.SetDefault("pool.env_whitelist", []string{"PATH", "HOME", "LANG", "TMPDIR"})
	v.SetDefault("scaling.interval_seconds", 15)
	v.SetDefault("scaling.upper_threshold", 0.8)
	v.SetDefault("scaling.lower_threshold", 0.3)
	v.SetDefault("scaling.step", 2)
	v.SetDefault("scaling.cooldown_seconds", 60)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 60)
	v.SetDefault("breaker.trial_tasks", 1)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("limits.max_memory_mb", 1024)
	v.SetDefault("limits.cpu_share_percent", 100)
	v.SetDefault("limits.max_child_procs", 32)
	v.SetDefault("limits.max_open_files", 256)
	v.SetDefault("archive.dsn", "")

	// Read from environment variables (with priority)
	v.AutomaticEnv()
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Allow environment variable overrides
	if addr := os.Getenv("FORGE_LISTEN_ADDR"); addr != "" {
		v.Set("server.address", addr)
	}
	if workDir := os.Getenv("FORGE_WORK_DIR"); workDir != "" {
		v.Set("pool.work_directory", workDir)
	}
	if agentBin := os.Getenv("FORGE_AGENT_BINARY"); agentBin != "" {
		v.Set("pool.agent_binary", agentBin)
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		v.Set("archive.dsn", dsn)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// An explicit config path that is missing is a hard error;
			// otherwise defaults carry the day.
			if configPath != "" {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Pool.MinWorkers < 1 {
		cfg.Pool.MinWorkers = 1
	}
	if cfg.Pool.MaxWorkers < cfg.Pool.MinWorkers {
		cfg.Pool.MaxWorkers = cfg.Pool.MinWorkers
	}

	return &cfg, nil
}
