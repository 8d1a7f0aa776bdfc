// Package config loads and validates all runtime configuration for the relay.
//
// Scalar settings are read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory; environment
// variables take precedence. The route table can only come from the YAML file
// — an ordered list does not map onto flat env vars.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Routes is the ordered route table. Resolution picks the first route
	// whose prefix matches the inbound path, so order matters. At least one
	// route is required.
	Routes []RouteConfig

	// UpstreamTimeout bounds buffered upstream calls. Streaming calls are
	// not subject to this timeout. Default: 30s.
	UpstreamTimeout time.Duration

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Redis holds the connection URL for the Redis-backed rate limiter.
	// Required only when RateLimit.RPMLimit > 0.
	Redis RedisConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// MetricsEnabled exposes Prometheus metrics on /metrics. Default: true.
	MetricsEnabled bool
}

// RouteConfig is one entry of the route table as written in config.yaml:
//
//	routes:
//	  - prefix: /runanytime
//	    target: https://api.runanytime.example/v2
//	    headers:
//	      X-Partner-Id: relay-prod
//	    normalize: true
type RouteConfig struct {
	// Prefix is the literal inbound path prefix, e.g. "/runanytime".
	Prefix string `mapstructure:"prefix"`

	// Target is the absolute upstream base URL the stripped remainder is
	// appended to.
	Target string `mapstructure:"target"`

	// Headers are static headers added to every outbound request for this
	// route. They override anything the relay would otherwise send.
	Headers map[string]string `mapstructure:"headers"`

	// Normalize enables response filtering to the canonical completion and
	// chunk shapes. When false the upstream body passes through untouched.
	Normalize bool `mapstructure:"normalize"`
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// Load reads configuration from environment variables and from config.yaml in
// the current working directory. At least one route must be configured.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("METRICS_ENABLED", true)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
	}

	if err := v.UnmarshalKey("routes", &cfg.Routes); err != nil {
		return nil, fmt.Errorf("config: invalid routes section: %w", err)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("config: at least one route is required; add a routes section to config.yaml")
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("config: route %d: prefix %q must start with '/'", i, r.Prefix)
		}
		if _, dup := seen[r.Prefix]; dup {
			return fmt.Errorf("config: route %d: duplicate prefix %q", i, r.Prefix)
		}
		seen[r.Prefix] = struct{}{}

		u, err := url.Parse(r.Target)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("config: route %d (%s): target %q must be an absolute URL", i, r.Prefix, r.Target)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0; set RPM_LIMIT=0 to disable rate limiting")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
