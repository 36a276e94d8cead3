package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Lock modes for concurrent recalculation requests on the same estimate.
const (
	LockModeReject = "reject"
	LockModeWait   = "wait"
)

// Config holds all configuration for the costing engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// MigrationsPath is the directory holding SQL migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// Audience is the aud value tokens must carry when verification is enabled.
	Audience string `yaml:"audience" env:"AUTH_AUDIENCE" env-default:"costing"`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"costing"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"costing_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. An empty host disables Redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// EngineConfig holds costing engine tuning.
type EngineConfig struct {
	// RecalculationTimeout bounds a single recalculation pass.
	RecalculationTimeout time.Duration `yaml:"recalculation_timeout" env:"ENGINE_RECALCULATION_TIMEOUT" env-default:"30s"`
	// MaxHierarchyDepth guards section traversal.
	MaxHierarchyDepth int `yaml:"max_hierarchy_depth" env:"ENGINE_MAX_HIERARCHY_DEPTH" env-default:"64"`
	// LockMode is "reject" (fail fast with RecalculationInProgress) or "wait".
	LockMode string `yaml:"lock_mode" env:"ENGINE_LOCK_MODE" env-default:"reject"`
	// LockWaitTimeout bounds the wait in "wait" lock mode.
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout" env:"ENGINE_LOCK_WAIT_TIMEOUT" env-default:"5s"`
	// ImportConfidenceThreshold routes rows below it to the review queue.
	ImportConfidenceThreshold float64 `yaml:"import_confidence_threshold" env:"ENGINE_IMPORT_CONFIDENCE_THRESHOLD" env-default:"0.6"`
	// ImportRulesPath is an optional YAML classification rule table.
	ImportRulesPath string `yaml:"import_rules_path" env:"ENGINE_IMPORT_RULES_PATH" env-default:""`
	// DiffCacheTTL is how long computed snapshot diffs are cached.
	DiffCacheTTL time.Duration `yaml:"diff_cache_ttl" env:"ENGINE_DIFF_CACHE_TTL" env-default:"10m"`
	// SnapshotInterval is the periodic snapshot interval. Zero disables periodic snapshots.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"ENGINE_SNAPSHOT_INTERVAL" env-default:"24h"`
	// WorkerConcurrency is the number of background jobs run at once.
	WorkerConcurrency int `yaml:"worker_concurrency" env:"ENGINE_WORKER_CONCURRENCY" env-default:"4"`
	// RollupTolerance is the allowed difference between cached and recomputed totals.
	RollupTolerance float64 `yaml:"rollup_tolerance" env:"ENGINE_ROLLUP_TOLERANCE" env-default:"0.01"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom reads configuration from the given YAML file with environment variable overrides.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// Validate checks TLS pairing and engine value ranges.
func (c *Config) Validate() error {
	if err := c.validateTLS(); err != nil {
		return fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine configuration: %w", err)
	}
	return nil
}

// Validate checks engine value ranges.
func (e *EngineConfig) Validate() error {
	if e.RecalculationTimeout <= 0 {
		return fmt.Errorf("recalculation_timeout must be positive")
	}
	if e.MaxHierarchyDepth < 1 {
		return fmt.Errorf("max_hierarchy_depth must be at least 1")
	}
	switch e.LockMode {
	case LockModeReject:
	case LockModeWait:
		if e.LockWaitTimeout <= 0 {
			return fmt.Errorf("lock_wait_timeout must be positive in wait mode")
		}
	default:
		return fmt.Errorf("lock_mode must be %q or %q, got %q", LockModeReject, LockModeWait, e.LockMode)
	}
	if e.ImportConfidenceThreshold < 0 || e.ImportConfidenceThreshold > 1 {
		return fmt.Errorf("import_confidence_threshold must be within [0, 1]")
	}
	if e.DiffCacheTTL < 0 || e.SnapshotInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if e.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1")
	}
	if e.RollupTolerance < 0 {
		return fmt.Errorf("rollup_tolerance must not be negative")
	}
	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	for _, pair := range strings.Split(value, ",") {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if ok {
			endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(jwksURL)
		}
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the host:port address of the Redis server.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}
