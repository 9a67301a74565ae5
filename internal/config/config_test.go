package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("ACCOUNTS_STORE", "memory")
	t.Setenv("ACCOUNTS_TOKEN_SECRET", strings.Repeat("k", 32))

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AccessTTL != 6*time.Hour || cfg.RefreshTTL != 72*time.Hour {
		t.Fatalf("unexpected ttls: %v / %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.HTTPAddr != ":8080" || cfg.TokenIssuer != "accounts" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.MachineRoles) != 1 || cfg.MachineRoles[0] != "manager" {
		t.Fatalf("unexpected machine roles: %v", cfg.MachineRoles)
	}
	if len(cfg.UserRoles) != 1 || cfg.UserRoles[0] != "user" {
		t.Fatalf("unexpected user roles: %v", cfg.UserRoles)
	}
	if cfg.AdminUID != "admin" || cfg.AdminPassword != "" {
		t.Fatalf("unexpected admin seed: %q / %q", cfg.AdminUID, cfg.AdminPassword)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("ACCOUNTS_STORE", "Postgres")
	t.Setenv("ACCOUNTS_PG_DSN", "postgres://localhost/accounts")
	t.Setenv("ACCOUNTS_TOKEN_PRIVATE_KEY", "pem")
	t.Setenv("ACCOUNTS_ACCESS_TTL", "30m")
	t.Setenv("ACCOUNTS_REFRESH_TTL", "24h")
	t.Setenv("ACCOUNTS_USER_ROLES", "user,manager")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("expected normalized store, got %q", cfg.Store)
	}
	if cfg.AccessTTL != 30*time.Minute || cfg.RefreshTTL != 24*time.Hour {
		t.Fatalf("unexpected ttls: %v / %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if len(cfg.UserRoles) != 2 || cfg.UserRoles[1] != "manager" {
		t.Fatalf("unexpected user roles: %v", cfg.UserRoles)
	}
}

func TestParseRejectsMissingSigningKey(t *testing.T) {
	t.Setenv("ACCOUNTS_STORE", "memory")

	if _, err := Parse(); err == nil || !strings.Contains(err.Error(), "TOKEN_SECRET") {
		t.Fatalf("expected signing key error, got %v", err)
	}
}

func TestParseRejectsPostgresWithoutDSN(t *testing.T) {
	t.Setenv("ACCOUNTS_STORE", "postgres")
	t.Setenv("ACCOUNTS_TOKEN_SECRET", strings.Repeat("k", 32))

	if _, err := Parse(); err == nil || !strings.Contains(err.Error(), "PG_DSN") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestValidateTTLOrdering(t *testing.T) {
	cfg := Config{
		Store:        StoreMemory,
		TokenSecret:  strings.Repeat("k", 32),
		AccessTTL:    2 * time.Hour,
		RefreshTTL:   time.Hour,
		ResetTTL:     time.Hour,
		MaxBodyBytes: 1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected refresh ttl error")
	}
	cfg.AccessTTL = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("non-expiring access tokens should be accepted: %v", err)
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	cfg := Config{TrustedProxies: []string{"10.0.0.0/8", " 192.168.1.7 ", ""}}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0].String() != "10.0.0.0/8" || prefixes[1].String() != "192.168.1.7/32" {
		t.Fatalf("unexpected prefixes: %v", prefixes)
	}

	cfg.TrustedProxies = []string{"not-an-ip"}
	if _, err := cfg.TrustedProxyPrefixes(); err == nil || !strings.Contains(err.Error(), "TRUSTED_PROXIES") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
