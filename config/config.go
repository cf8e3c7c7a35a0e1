// Package config loads the gateway configuration from config.yaml, .env and
// the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// Cache types.
const (
	CacheLocal = "local"
	CacheRedis = "redis"
)

// Body size limits accepted by ValidateBodySizeLimit.
const (
	minBodySize = 1024
	maxBodySize = 100 * 1024 * 1024
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Cache      CacheConfig      `yaml:"cache"`
	RequestLog RequestLogConfig `yaml:"request_log"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey enables bearer auth on the API when set.
	MasterKey string `yaml:"master_key"`
	// BodySizeLimit caps request bodies, e.g. "10M" or "512KB".
	BodySizeLimit string `yaml:"body_size_limit"`
	// ShutdownTimeout is in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// BackendConfig describes the model-serving backend.
type BackendConfig struct {
	Type   string `yaml:"type"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// RequestTimeout bounds a non-streaming call, in seconds.
	RequestTimeout int `yaml:"request_timeout"`
	// StreamIdleTimeout is the longest gap between two streamed fragments, in seconds.
	StreamIdleTimeout int                  `yaml:"stream_idle_timeout"`
	MaxRetries        int                  `yaml:"max_retries"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the backend circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	SuccessThreshold int  `yaml:"success_threshold"`
	// Timeout is in seconds.
	Timeout int `yaml:"timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// CacheConfig configures the model list cache.
type CacheConfig struct {
	Type string `yaml:"type"`
	// Path is the local cache file.
	Path string `yaml:"path"`
	// RefreshInterval is how often the model list is refetched, in seconds.
	RefreshInterval int         `yaml:"refresh_interval"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis cache.
type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
	// TTL is in seconds.
	TTL int `yaml:"ttl"`
}

// RequestLogConfig configures the per-request log.
type RequestLogConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	// FlushInterval is in seconds.
	FlushInterval int `yaml:"flush_interval"`
	RetentionDays int `yaml:"retention_days"`
}

// StorageConfig selects the request log database.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// buildDefaultConfig returns the configuration used when nothing is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "11435",
			BodySizeLimit:   "10M",
			ShutdownTimeout: 30,
		},
		Backend: BackendConfig{
			Type:              BackendOllama,
			URL:               "http://localhost:11434",
			RequestTimeout:    300,
			StreamIdleTimeout: 120,
			MaxRetries:        2,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30,
			},
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		Cache: CacheConfig{
			Type:            CacheLocal,
			Path:            "data/models.json",
			RefreshInterval: 300,
			Redis:           RedisConfig{Key: "llamagate:models", TTL: 86400},
		},
		RequestLog: RequestLogConfig{
			Enabled:       false,
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/llamagate.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "llamagate"},
		},
	}
}

// Load reads .env, the YAML file named by LLAMAGATE_CONFIG (default
// config.yaml, optional) and the environment, then validates the result.
func Load() (*Config, error) {
	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	path := os.Getenv("LLAMAGATE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit YAML path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := buildDefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML expands ${VAR} placeholders in every scalar before decoding
// into cfg, so only fields present in the file replace defaults.
func decodeYAML(data []byte, cfg *Config) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind == 0 {
		return nil
	}
	expandNode(&root)
	return root.Decode(cfg)
}

func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		n.Value = expandString(n.Value)
		return
	}
	for _, c := range n.Content {
		expandNode(c)
	}
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A placeholder whose
// variable is unset or empty and has no default is left as is.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return m
	})
}

// applyEnvOverrides applies well-known environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}

	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.MasterKey, "LLAMAGATE_MASTER_KEY")
	setString(&cfg.Server.BodySizeLimit, "BODY_SIZE_LIMIT")

	setString(&cfg.Backend.Type, "BACKEND_TYPE")
	setString(&cfg.Backend.URL, "BACKEND_URL", "OLLAMA_HOST")
	setString(&cfg.Backend.APIKey, "BACKEND_API_KEY")
	setInt(&cfg.Backend.RequestTimeout, "BACKEND_REQUEST_TIMEOUT")
	setInt(&cfg.Backend.StreamIdleTimeout, "BACKEND_STREAM_IDLE_TIMEOUT")
	setInt(&cfg.Backend.MaxRetries, "BACKEND_MAX_RETRIES")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setString(&cfg.Metrics.Endpoint, "METRICS_ENDPOINT")

	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setInt(&cfg.Cache.RefreshInterval, "CACHE_REFRESH_INTERVAL")
	setString(&cfg.Cache.Redis.URL, "REDIS_URL")

	setBool(&cfg.RequestLog.Enabled, "REQUEST_LOG_ENABLED")
	setInt(&cfg.RequestLog.RetentionDays, "REQUEST_LOG_RETENTION_DAYS")

	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	setString(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	setInt(&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS")
	setString(&cfg.Storage.MongoDB.URL, "MONGODB_URL")

	cfg.Backend.URL = normalizeBackendURL(cfg.Backend.URL)
	return errors.Join(errs...)
}

// normalizeBackendURL accepts OLLAMA_HOST-style values such as "0.0.0.0:11434".
func normalizeBackendURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u != "" && !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return u
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: invalid port %q", c.Server.Port))
	}
	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		errs = append(errs, fmt.Errorf("server.body_size_limit: %w", err))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Backend.Type {
	case BackendOllama, BackendOpenAI:
	default:
		errs = append(errs, fmt.Errorf("backend.type: unknown backend %q (valid: ollama, openai)", c.Backend.Type))
	}
	if c.Backend.RequestTimeout <= 0 {
		errs = append(errs, errors.New("backend.request_timeout must be positive"))
	}
	if c.Backend.StreamIdleTimeout <= 0 {
		errs = append(errs, errors.New("backend.stream_idle_timeout must be positive"))
	}
	if c.Backend.MaxRetries < 0 {
		errs = append(errs, errors.New("backend.max_retries must not be negative"))
	}

	switch c.Cache.Type {
	case CacheLocal:
	case CacheRedis:
		if c.Cache.Redis.URL == "" {
			errs = append(errs, errors.New("cache.redis.url is required when cache.type is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.type: unknown cache %q (valid: local, redis)", c.Cache.Type))
	}
	if c.Cache.RefreshInterval <= 0 {
		errs = append(errs, errors.New("cache.refresh_interval must be positive"))
	}

	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown storage %q (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
	}

	return errors.Join(errs...)
}

// ParseBodySizeLimit converts "10M", "512KB" or a plain byte count to bytes.
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier, digits := int64(1), s
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1024}, {"K", 1024}, {"MB", 1024 * 1024}, {"M", 1024 * 1024},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier, digits = unit.mult, strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid body size %q (use e.g. 10M, 512KB or bytes)", s)
	}
	return n * multiplier, nil
}

// ValidateBodySizeLimit checks the format and that the limit is between 1KB
// and 100MB. The empty string selects the default.
func ValidateBodySizeLimit(s string) error {
	n, err := ParseBodySizeLimit(s)
	if err != nil || n == 0 {
		return err
	}
	if n < minBodySize || n > maxBodySize {
		return fmt.Errorf("body size %q out of range (1K to 100M)", strings.TrimSpace(s))
	}
	return nil
}

// BodySizeBytes returns the body size limit in bytes.
func (c *Config) BodySizeBytes() int64 {
	n, err := ParseBodySizeLimit(c.Server.BodySizeLimit)
	if err != nil || n == 0 {
		return 10 * 1024 * 1024
	}
	return n
}

// Seconds converts a config value in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
