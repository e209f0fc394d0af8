package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Codec     string          `yaml:"codec"` // "json" or "proto"
	Publisher PublisherConfig `yaml:"publisher"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects and configures the backing event log.
type StoreConfig struct {
	Driver   string         `yaml:"driver"` // "redis", "postgres", "pebble" or "memory"
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Pebble   PebbleConfig   `yaml:"pebble"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection string.
func (d PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// PebbleConfig holds settings for the embedded store.
type PebbleConfig struct {
	Dir string `yaml:"dir"`
}

// PublisherConfig holds settings for publishing committed events to Kafka.
type PublisherConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Store: StoreConfig{
			Driver: "redis",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
			Pebble: PebbleConfig{
				Dir: "data/streams",
			},
		},
		Codec: "json",
		Publisher: PublisherConfig{
			Topic: "streamstore.events",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "streamstore",
			ServiceVersion: "0.1.0",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Store.Driver {
	case "redis", "postgres", "pebble", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported store driver %q: must be one of redis, postgres, pebble, memory", c.Store.Driver)
	}
	switch c.Codec {
	case "json", "proto":
	default:
		return fmt.Errorf("unsupported codec %q: must be \"json\" or \"proto\"", c.Codec)
	}
	if c.Publisher.Enabled {
		if len(c.Publisher.Brokers) == 0 {
			return fmt.Errorf("publisher enabled without brokers")
		}
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher enabled without topic")
		}
	}
	return nil
}
