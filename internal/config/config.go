// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full process configuration. Every field maps to one ACCOUNTS_ variable.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	Store string `env:"STORE" envDefault:"postgres"`
	PGDSN string `env:"PG_DSN"`

	TokenSecret     string        `env:"TOKEN_SECRET"`
	TokenPrivateKey string        `env:"TOKEN_PRIVATE_KEY"`
	TokenPublicKey  string        `env:"TOKEN_PUBLIC_KEY"`
	TokenKeyID      string        `env:"TOKEN_KEY_ID"`
	TokenIssuer     string        `env:"TOKEN_ISSUER" envDefault:"accounts"`
	AccessTTL       time.Duration `env:"ACCESS_TTL" envDefault:"6h"`
	RefreshTTL      time.Duration `env:"REFRESH_TTL" envDefault:"72h"`
	ResetTTL        time.Duration `env:"RESET_TTL" envDefault:"1h"`

	RateBurst     int     `env:"RATE_BURST" envDefault:"20"`
	RatePerSecond float64 `env:"RATE_PER_SECOND" envDefault:"5"`
	MaxBodyBytes  int64   `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	// TrustedProxies holds CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	UserRoles    []string `env:"USER_ROLES" envDefault:"user" envSeparator:","`
	MachineRoles []string `env:"MACHINE_ROLES" envDefault:"manager" envSeparator:","`

	// AdminPassword seeds an administrator named AdminUID at startup when set.
	// The memory store starts empty, so it needs one to be usable.
	AdminUID      string `env:"ADMIN_UID" envDefault:"admin"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

const prefix = "ACCOUNTS_"

// Load reads an optional .env file from the working directory and then the environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the tags cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New(prefix+"PG_DSN is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported store %q", c.Store))
	}
	if c.TokenSecret == "" && c.TokenPrivateKey == "" {
		errs = append(errs, errors.New(prefix+"TOKEN_SECRET or "+prefix+"TOKEN_PRIVATE_KEY is required"))
	}
	if c.TokenSecret != "" && len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New(prefix+"TOKEN_SECRET must be at least 32 bytes"))
	}
	if c.RefreshTTL <= 0 {
		errs = append(errs, errors.New(prefix+"REFRESH_TTL must be positive"))
	}
	if c.AccessTTL > 0 && c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New(prefix+"REFRESH_TTL must exceed "+prefix+"ACCESS_TTL"))
	}
	if c.ResetTTL <= 0 {
		errs = append(errs, errors.New(prefix+"RESET_TTL must be positive"))
	}
	if c.RateBurst < 0 || c.RatePerSecond < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New(prefix+"MAX_BODY_BYTES must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address stands for itself.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf(prefix+"TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf(prefix+"TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Local reports whether the process runs in a developer environment.
func (c Config) Local() bool { return c.AppEnv == "local" }
