package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RULEWATCH_DATABASE_PATH
const EnvPrefix = "RULEWATCH"

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Log       LogConfig       `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	DriftThreshold time.Duration `mapstructure:"drift_threshold"`
	MinDelay       time.Duration `mapstructure:"min_delay"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
}

type ExecutorConfig struct {
	AutoRead     bool          `mapstructure:"auto_read"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

type FetchConfig struct {
	Driver     string        `mapstructure:"driver"`
	UserAgent  string        `mapstructure:"user_agent"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Docker     DockerConfig  `mapstructure:"docker"`
}

type DockerConfig struct {
	Image       string `mapstructure:"image"`
	Network     string `mapstructure:"network"`
	MemoryLimit int64  `mapstructure:"memory_limit"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type MetricsConfig struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	Interval   time.Duration `mapstructure:"interval"`
}

type MonitorConfig struct {
	StuckAfter time.Duration `mapstructure:"stuck_after"`
	Interval   time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HistoryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rulewatch")
	v.SetDefault("database.path", "rulewatch.db")
	v.SetDefault("scheduler.drift_threshold", 5*time.Second)
	v.SetDefault("scheduler.min_delay", time.Second)
	v.SetDefault("scheduler.sync_interval", 15*time.Second)
	v.SetDefault("executor.auto_read", true)
	v.SetDefault("executor.fetch_timeout", time.Duration(0))
	v.SetDefault("fetch.driver", "http")
	v.SetDefault("fetch.user_agent", "rulewatch/1.0")
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.docker.image", "")
	v.SetDefault("fetch.docker.network", "bridge")
	v.SetDefault("fetch.docker.memory_limit", int64(256<<20))
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.interval", 15*time.Second)
	v.SetDefault("monitor.stuck_after", 10*time.Minute)
	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("history.retention", 30*24*time.Hour)
}

// Load reads configuration from path, falling back to ./config/config.yaml
// when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup
func (c *Config) Validate() error {
	switch c.Fetch.Driver {
	case "http":
	case "docker":
		if c.Fetch.Docker.Image == "" {
			return fmt.Errorf("fetch.docker.image is required for the docker driver")
		}
	default:
		return fmt.Errorf("unknown fetch.driver %q", c.Fetch.Driver)
	}
	if c.Scheduler.DriftThreshold <= 0 {
		return fmt.Errorf("scheduler.drift_threshold must be positive")
	}
	if c.Scheduler.MinDelay < 0 {
		return fmt.Errorf("scheduler.min_delay must not be negative")
	}
	if c.Scheduler.SyncInterval <= 0 {
		return fmt.Errorf("scheduler.sync_interval must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative")
	}
	if c.Metrics.Interval <= 0 {
		return fmt.Errorf("metrics.interval must be positive")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.StuckAfter <= 0 {
		return fmt.Errorf("monitor.stuck_after must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
