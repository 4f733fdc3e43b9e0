package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearEnv blanks the overrides so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, name := range []string{"PORT", "DATABASE_DRIVER", "DATABASE_URL", "JWT_SECRET", "REDIS_ADDR", "CART_STORE", "ROBOKASSA_IS_TEST", "ASSIGNMENT_STRICT", "AIRBAPAY_USERNAME", "ROBOKASSA_MERCHANT_LOGIN"} {
		t.Setenv(name, "")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
database:
  driver: sqlite
  url: file:test.db
  auto_migrate: true
auth:
  jwt_secret: s3cret
cart:
  store: sql
  ttl: 2h
assignment:
  strict: true
monitor:
  stale_after: 30m
robokassa:
  merchant_login: shop
  password1: p1
  password2: p2
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PORT", "8080")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Database.Driver != "sqlite" || !cfg.Database.AutoMigrate {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Cart.TTL.Std() != 2*time.Hour || cfg.Monitor.StaleAfter.Std() != 30*time.Minute {
		t.Errorf("durations = %v / %v", cfg.Cart.TTL.Std(), cfg.Monitor.StaleAfter.Std())
	}
	if cfg.Monitor.Interval.Std() != time.Hour {
		t.Errorf("default interval lost: %v", cfg.Monitor.Interval.Std())
	}
	if !cfg.Assignment.Strict || cfg.Assignment.PaidStatus != "IN_PROGRESS" || len(cfg.Assignment.Statuses) != 4 {
		t.Errorf("assignment = %+v", cfg.Assignment)
	}
	if !cfg.Robokassa.Enabled() || cfg.Airbapay.Enabled() {
		t.Errorf("providers: robokassa=%v airbapay=%v", cfg.Robokassa.Enabled(), cfg.Airbapay.Enabled())
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_PATH", writeConfig(t, "database:\n  url: from-file\n"))
	t.Setenv("DATABASE_URL", "user:pass@/market?parseTime=true")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("ROBOKASSA_IS_TEST", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Database.URL != "user:pass@/market?parseTime=true" || cfg.Auth.JWTSecret != "env-secret" || !cfg.Robokassa.IsTest {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("ROBOKASSA_IS_TEST", "maybe")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "driver", body: "database: {driver: postgres, url: x}\nauth: {jwt_secret: s}", want: "database.driver"},
		{name: "no url", body: "auth: {jwt_secret: s}", want: "database.url"},
		{name: "redis without addr", body: "database: {url: x}\nauth: {jwt_secret: s}\ncart: {store: redis}", want: "redis.addr"},
		{name: "paid status", body: "database: {url: x}\nauth: {jwt_secret: s}\nassignment: {paid_status: PAID}", want: "paid_status"},
		{name: "bad duration", body: "database: {url: x}\nauth: {jwt_secret: s}\ncart: {ttl: soon}", want: "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("CONFIG_PATH", writeConfig(t, tt.body))
			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
