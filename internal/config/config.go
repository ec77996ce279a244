package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LIFECYCLE"

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Bulk struct {
		Workers        int           `mapstructure:"workers"`
		PreviewLimit   int           `mapstructure:"preview_limit"`
		RollbackWindow time.Duration `mapstructure:"rollback_window"`
	} `mapstructure:"bulk"`
	Workflow struct {
		SLAHours         int           `mapstructure:"sla_hours"`
		SLASweepInterval time.Duration `mapstructure:"sla_sweep_interval"`
	} `mapstructure:"workflow"`
	Delivery struct {
		Concurrency   int     `mapstructure:"concurrency"`
		RatePerSecond float64 `mapstructure:"rate_per_second"`
	} `mapstructure:"delivery"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.dsn", "")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("bulk.workers", 4)
	v.SetDefault("bulk.preview_limit", 10)
	v.SetDefault("bulk.rollback_window", 30*24*time.Hour)
	v.SetDefault("workflow.sla_hours", 48)
	v.SetDefault("workflow.sla_sweep_interval", 15*time.Minute)
	v.SetDefault("delivery.concurrency", 4)
	v.SetDefault("delivery.rate_per_second", 20.0)
}

// Load reads config.yaml from path (or the default search paths when path is
// empty) and overlays LIFECYCLE_* environment variables. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Bulk.Workers < 1 {
		return errors.New("bulk.workers must be at least 1")
	}
	if c.Delivery.Concurrency < 1 {
		return errors.New("delivery.concurrency must be at least 1")
	}
	return nil
}
