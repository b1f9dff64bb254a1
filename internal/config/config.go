package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the chat node runtime parameters.
type Config struct {
	PlatformURL         string        `mapstructure:"platform_url"`
	APIKey              string        `mapstructure:"api_key"`
	AppID               string        `mapstructure:"app_id"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
	AdminAddress        string        `mapstructure:"admin_address"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Room                RoomConfig    `mapstructure:"room"`
	Retry               RetryConfig   `mapstructure:"retry"`
}

// RoomConfig bounds the replicated room model.
type RoomConfig struct {
	HistoryMax        int           `mapstructure:"history_max"`
	MaxPostLength     int           `mapstructure:"max_post_length"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	RequireNickname   bool          `mapstructure:"require_nickname"`
}

// RetryConfig controls join attempts against the replication platform.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialTimeout time.Duration `mapstructure:"initial_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
}

const (
	defaultPlatformURL         = "wss://reflector.multisynq.io/v1"
	defaultAppID               = "io.multisynq.chat"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultShutdownGracePeriod = 10 * time.Second

	defaultHistoryMax        = 100
	defaultMaxPostLength     = 1000
	defaultInactivityTimeout = 30 * time.Minute
	defaultCleanupInterval   = 5 * time.Minute

	defaultMaxAttempts    = 3
	defaultInitialTimeout = 4 * time.Second
	defaultMaxTimeout     = 8 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with SYNQ_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNQ")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("platform_url", defaultPlatformURL)
	v.SetDefault("app_id", defaultAppID)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("admin_address", "")
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())

	v.SetDefault("room.history_max", defaultHistoryMax)
	v.SetDefault("room.max_post_length", defaultMaxPostLength)
	v.SetDefault("room.inactivity_timeout", defaultInactivityTimeout.String())
	v.SetDefault("room.cleanup_interval", defaultCleanupInterval.String())
	v.SetDefault("room.require_nickname", true)

	v.SetDefault("retry.max_attempts", defaultMaxAttempts)
	v.SetDefault("retry.initial_timeout", defaultInitialTimeout.String())
	v.SetDefault("retry.max_timeout", defaultMaxTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PlatformURL == "" {
		return fmt.Errorf("platform_url is required")
	}
	if c.Room.HistoryMax <= 0 {
		return fmt.Errorf("room.history_max must be positive, got %d", c.Room.HistoryMax)
	}
	if c.Room.MaxPostLength <= 0 {
		return fmt.Errorf("room.max_post_length must be positive, got %d", c.Room.MaxPostLength)
	}
	if c.Room.InactivityTimeout <= 0 {
		return fmt.Errorf("room.inactivity_timeout must be positive, got %s", c.Room.InactivityTimeout)
	}
	if c.Room.CleanupInterval <= 0 {
		return fmt.Errorf("room.cleanup_interval must be positive, got %s", c.Room.CleanupInterval)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialTimeout <= 0 || c.Retry.MaxTimeout < c.Retry.InitialTimeout {
		return fmt.Errorf("retry timeouts invalid: initial=%s max=%s", c.Retry.InitialTimeout, c.Retry.MaxTimeout)
	}
	return nil
}
