package disclose

import (
	"fmt"
	"time"
)

// Config holds the complete configuration for the submission engine
type Config struct {
	Database DatabaseConfig `json:"database"`
	Loader   LoaderConfig   `json:"loader"`
	Cache    CacheConfig    `json:"cache"`
	Logging  LoggingConfig  `json:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxConnections  int32         `json:"max_connections"`
	MinConnections  int32         `json:"min_connections"`
	MaxConnLifetime time.Duration `json:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `json:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
}

// ConnectionString builds a pgx connection string from the config
func (dc DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		dc.Host, dc.Port, dc.Database, dc.Username, dc.Password, dc.SSLMode)
}

// LoaderConfig controls the batched form loader
type LoaderConfig struct {
	// BatchSize is the number of per-table queries grouped onto one
	// pooled connection during a submission load
	BatchSize int `json:"batch_size"`
	// BatchTimeout bounds each batch; a stuck batch fails the whole load
	// instead of hanging it
	BatchTimeout time.Duration `json:"batch_timeout"`
}

// CacheConfig controls the schema registry snapshot
type CacheConfig struct {
	// RefreshInterval is how often the server re-reads schema metadata;
	// zero disables background refresh
	RefreshInterval time.Duration `json:"refresh_interval"`
	// ValidatePayloads enables JSON-schema validation of incoming value
	// trees before flattening
	ValidatePayloads bool `json:"validate_payloads"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "disclose",
			Username:        "postgres",
			Password:        "",
			SSLMode:         "prefer",
			MaxConnections:  20,
			MinConnections:  2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Loader: LoaderConfig{
			BatchSize:    80,
			BatchTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			RefreshInterval:  5 * time.Minute,
			ValidatePayloads: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return &ConfigError{Field: "database.host", Value: c.Database.Host, Message: "host cannot be empty"}
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return &ConfigError{Field: "database.port", Value: c.Database.Port, Message: "port must be between 1 and 65535"}
	}
	if c.Database.Database == "" {
		return &ConfigError{Field: "database.database", Value: c.Database.Database, Message: "database name cannot be empty"}
	}
	if c.Database.MaxConnections < c.Database.MinConnections {
		return &ConfigError{Field: "database.max_connections", Value: c.Database.MaxConnections, Message: "max_connections cannot be less than min_connections"}
	}
	if c.Loader.BatchSize <= 0 {
		return &ConfigError{Field: "loader.batch_size", Value: c.Loader.BatchSize, Message: "batch_size must be positive"}
	}
	if c.Loader.BatchTimeout <= 0 {
		return &ConfigError{Field: "loader.batch_timeout", Value: c.Loader.BatchTimeout, Message: "batch_timeout must be positive"}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "logging.level", Value: c.Logging.Level, Message: "level must be one of debug, info, warn, error"}
	}
	return nil
}
