// Package config loads and validates the engine configuration from a YAML
// file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Rewriter   RewriterConfig   `mapstructure:"rewriter"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Rewrite    RewriteConfig    `mapstructure:"rewrite"`
	Review     ReviewConfig     `mapstructure:"review"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// StorageBackend selects the persistence implementation.
type StorageBackend string

const (
	BackendPostgres StorageBackend = "postgres"
	BackendSQLite   StorageBackend = "sqlite"
	BackendMemory   StorageBackend = "memory"
)

// ServerConfig holds the HTTP reference surface settings.
type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Backend    StorageBackend `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// DSN renders the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig holds settings for the distributed lock backend.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// RewriterConfig holds the external rewriter client settings.
type RewriterConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"`
	Model               string        `mapstructure:"model"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

// EvaluationConfig holds scoring pipeline settings.
type EvaluationConfig struct {
	// EnabledDetectors lists scorer ids in execution order. With an empty
	// list, runs are still created and finalize as failed.
	EnabledDetectors []string      `mapstructure:"enabled_detectors"`
	ScorerTimeout    time.Duration `mapstructure:"scorer_timeout"`
	ScorerRetries    int           `mapstructure:"scorer_retries"`
	CacheSize        int           `mapstructure:"cache_size"`
}

// RewriteConfig holds orchestrator settings.
type RewriteConfig struct {
	MaxCycles int `mapstructure:"max_cycles"`
}

// ReviewConfig holds review state machine settings.
type ReviewConfig struct {
	MinReviewDuration     time.Duration `mapstructure:"min_review_duration"`
	FastApprovalThreshold time.Duration `mapstructure:"fast_approval_threshold"`
	MaxReviewCycles       int           `mapstructure:"max_review_cycles"`
}

// WorkersConfig holds workflow runner settings.
type WorkersConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// MetricsConfig holds metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from an optional YAML file and the environment.
// Unknown keys in the file are rejected.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		// Reject configuration keys the engine does not know about.
		dc.ErrorUnused = true
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_timeout", "30s")

	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.sqlite_path", "/data/contentquality.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "contentquality")
	v.SetDefault("database.username", "dev")
	v.SetDefault("database.password", "dev")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("rewriter.base_url", "http://localhost:9090")
	v.SetDefault("rewriter.api_key", "")
	v.SetDefault("rewriter.model", "")
	v.SetDefault("rewriter.timeout", "120s")
	v.SetDefault("rewriter.max_retries", 1)
	v.SetDefault("rewriter.retry_delay", "2s")
	v.SetDefault("rewriter.breaker_max_failures", 5)
	v.SetDefault("rewriter.breaker_reset_timeout", "30s")

	v.SetDefault("evaluation.enabled_detectors", []string{"ailikeness", "aeo"})
	v.SetDefault("evaluation.scorer_timeout", "60s")
	v.SetDefault("evaluation.scorer_retries", 3)
	v.SetDefault("evaluation.cache_size", 512)

	v.SetDefault("rewrite.max_cycles", 10)

	v.SetDefault("review.min_review_duration", "300s")
	v.SetDefault("review.fast_approval_threshold", "30s")
	v.SetDefault("review.max_review_cycles", 5)

	v.SetDefault("workers.workers", 4)
	v.SetDefault("workers.queue_size", 256)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPostgres, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be postgres, sqlite or memory, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535, got %d", c.Server.Port)
	}
	if c.Review.MinReviewDuration < 0 {
		return fmt.Errorf("review.min_review_duration cannot be negative")
	}
	if c.Rewrite.MaxCycles <= 0 {
		return fmt.Errorf("rewrite.max_cycles must be positive")
	}
	if c.Rewriter.Timeout <= 0 {
		return fmt.Errorf("rewriter.timeout must be positive")
	}
	return nil
}
