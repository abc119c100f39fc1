package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type OverflowPolicy string

const (
	OverflowQueue  OverflowPolicy = "queue"
	OverflowReject OverflowPolicy = "reject"
)

type BufferPolicy string

const (
	BufferBlock BufferPolicy = "block"
	BufferDrop  BufferPolicy = "drop"
)

// Config holds the application configuration
type Config struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host           string  `mapstructure:"host"`
		Port           int     `mapstructure:"port"`
		RateLimit      float64 `mapstructure:"rate_limit"` // requests per second per function, 0 disables
		RateBurst      int     `mapstructure:"rate_burst"`
		SecureHeader   string  `mapstructure:"secure_header"`
		GuestLoginPath string  `mapstructure:"guest_login_path"`
	} `mapstructure:"server"`

	Queue struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Scheduler struct {
		DefaultConcurrency int            `mapstructure:"default_concurrency"`
		MaxRunners         int            `mapstructure:"max_runners"`
		Overflow           OverflowPolicy `mapstructure:"overflow"`
		MaxQueueDepth      int            `mapstructure:"max_queue_depth"`
		QueueTimeout       time.Duration  `mapstructure:"queue_timeout"`
		// SharedLimits counts concurrency limits in redis, across the server and every worker
		SharedLimits bool          `mapstructure:"shared_limits"`
		SlotLease    time.Duration `mapstructure:"slot_lease"`
	} `mapstructure:"scheduler"`

	Runner struct {
		Sandbox        string        `mapstructure:"sandbox"` // docker or local
		DataDir        string        `mapstructure:"data_dir"`
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
		MaxTimeout     time.Duration `mapstructure:"max_timeout"`
		KillGrace      time.Duration `mapstructure:"kill_grace"`
		DefaultMemory  int           `mapstructure:"default_memory"` // in MB
	} `mapstructure:"runner"`

	Streamer struct {
		BufferSize   int          `mapstructure:"buffer_size"`
		Overflow     BufferPolicy `mapstructure:"overflow"`
		MaxOutput    int          `mapstructure:"max_output"` // in bytes
		LinkedCancel bool         `mapstructure:"linked_cancel"`
	} `mapstructure:"streamer"`

	Clock struct {
		TickInterval time.Duration `mapstructure:"tick_interval"`
		BatchSize    int           `mapstructure:"batch_size"`
	} `mapstructure:"clock"`

	Retry struct {
		Backoff    time.Duration `mapstructure:"backoff"`
		MaxBackoff time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"retry"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*Config, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("FN_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, config.Validate()

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, config.Validate()
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no file anywhere, run on defaults and environment
		if err := v.Unmarshal(config); err != nil {
			return nil, err
		}
	}
	return config, config.Validate()
}

// newViper sets default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "fnrunner")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.secure_header", "x-secure-header")
	v.SetDefault("server.guest_login_path", "/guest/login")

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Scheduler defaults
	v.SetDefault("scheduler.default_concurrency", 1)
	v.SetDefault("scheduler.max_runners", 10)
	v.SetDefault("scheduler.overflow", string(OverflowQueue))
	v.SetDefault("scheduler.max_queue_depth", 1000)
	v.SetDefault("scheduler.queue_timeout", "5m")
	v.SetDefault("scheduler.shared_limits", true)
	v.SetDefault("scheduler.slot_lease", "30s")

	// Runner defaults
	v.SetDefault("runner.sandbox", "docker")
	v.SetDefault("runner.data_dir", "/opt/fnrunner")
	v.SetDefault("runner.default_timeout", "30s")
	v.SetDefault("runner.max_timeout", "15m")
	v.SetDefault("runner.kill_grace", "5s")
	v.SetDefault("runner.default_memory", 256)

	// Streamer defaults
	v.SetDefault("streamer.buffer_size", 256)
	v.SetDefault("streamer.overflow", string(BufferBlock))
	v.SetDefault("streamer.max_output", 3*1024*1024)
	v.SetDefault("streamer.linked_cancel", false)

	// Clock defaults
	v.SetDefault("clock.tick_interval", "1s")
	v.SetDefault("clock.batch_size", 100)

	// Retry defaults
	v.SetDefault("retry.backoff", "5s")
	v.SetDefault("retry.max_backoff", "1m")

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("FN")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*Config, error) {
	var config Config

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return &config, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// Validate checks the values that would otherwise break the engine at runtime
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.MaxRunners <= 0 {
		errs = append(errs, errors.New("scheduler.max_runners must be > 0"))
	}
	if c.Scheduler.DefaultConcurrency <= 0 {
		errs = append(errs, errors.New("scheduler.default_concurrency must be > 0"))
	}
	switch c.Scheduler.Overflow {
	case OverflowQueue, OverflowReject:
	default:
		errs = append(errs, fmt.Errorf("scheduler.overflow must be %q or %q", OverflowQueue, OverflowReject))
	}
	switch c.Streamer.Overflow {
	case BufferBlock, BufferDrop:
	default:
		errs = append(errs, fmt.Errorf("streamer.overflow must be %q or %q", BufferBlock, BufferDrop))
	}
	switch c.Runner.Sandbox {
	case "docker", "local":
	default:
		errs = append(errs, fmt.Errorf("runner.sandbox must be docker or local, got %q", c.Runner.Sandbox))
	}
	if c.Clock.TickInterval <= 0 {
		errs = append(errs, errors.New("clock.tick_interval must be > 0"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	return errors.Join(errs...)
}

// Level returns the zerolog level for LogLevel, defaulting to info
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// GetDatabaseURL returns a formatted database connection string
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Addr is the listen address of the http server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
