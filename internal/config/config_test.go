package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig drops a config.yaml into a fresh working directory so Load()
// picks it up.
func writeConfig(t *testing.T, yaml string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
}

const validRoutes = `
routes:
  - prefix: /vendor
    target: https://api.vendor.example/v1
    normalize: true
  - prefix: /raw
    target: https://raw.example
    headers:
      X-Partner-Id: relay-test
`

func TestLoad_Defaults(t *testing.T) {
	writeConfig(t, validRoutes)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 30s", cfg.UpstreamTimeout)
	}
	if cfg.RateLimit.RPMLimit != 0 {
		t.Errorf("RPMLimit = %d, want 0", cfg.RateLimit.RPMLimit)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled should default to true")
	}
}

func TestLoad_Routes(t *testing.T) {
	writeConfig(t, validRoutes)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(cfg.Routes))
	}
	if cfg.Routes[0].Prefix != "/vendor" || !cfg.Routes[0].Normalize {
		t.Errorf("route 0 parsed wrong: %+v", cfg.Routes[0])
	}
	if cfg.Routes[1].Headers["X-Partner-Id"] != "relay-test" {
		t.Errorf("route 1 headers parsed wrong: %+v", cfg.Routes[1])
	}
	// Order in the file is the resolution order.
	if cfg.Routes[1].Prefix != "/raw" {
		t.Errorf("route order not preserved: %+v", cfg.Routes)
	}
}

func TestLoad_NoRoutes(t *testing.T) {
	writeConfig(t, "port: 8080\n")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when no routes configured")
	}
}

func TestLoad_InvalidRoutePrefix(t *testing.T) {
	writeConfig(t, `
routes:
  - prefix: vendor
    target: https://api.vendor.example
`)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "prefix") {
		t.Fatalf("expected prefix validation error, got %v", err)
	}
}

func TestLoad_InvalidRouteTarget(t *testing.T) {
	writeConfig(t, `
routes:
  - prefix: /vendor
    target: api.vendor.example/v1
`)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "target") {
		t.Fatalf("expected target validation error, got %v", err)
	}
}

func TestLoad_DuplicatePrefix(t *testing.T) {
	writeConfig(t, `
routes:
  - prefix: /vendor
    target: https://a.example
  - prefix: /vendor
    target: https://b.example
`)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate prefix error, got %v", err)
	}
}

func TestLoad_RPMLimitRequiresRedis(t *testing.T) {
	writeConfig(t, validRoutes+"rpm_limit: 100\n")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL error, got %v", err)
	}
}

func TestLoad_RPMLimitWithRedis(t *testing.T) {
	writeConfig(t, validRoutes+"rpm_limit: 100\nredis_url: redis://localhost:6379\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimit.RPMLimit != 100 {
		t.Errorf("RPMLimit = %d, want 100", cfg.RateLimit.RPMLimit)
	}
	if cfg.Redis.URL == "" {
		t.Error("Redis.URL not loaded")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	writeConfig(t, validRoutes+"port: 8080\n")
	t.Setenv("PORT", "9191")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9191 {
		t.Errorf("Port = %d, env var must win over the file", cfg.Port)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	writeConfig(t, validRoutes+"log_level: loud\n")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
