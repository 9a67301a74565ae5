// Package app assembles stores and services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/auth"
	"github.com/fastybird/accounts-module/internal/config"
	"github.com/fastybird/accounts-module/internal/obs"
	"github.com/fastybird/accounts-module/internal/store/memory"
	"github.com/fastybird/accounts-module/internal/store/pg"
)

// App holds the wired services of one process.
type App struct {
	Accounts *accounts.Service
	Sessions *auth.Service
	// Pinger is nil for the in-memory store.
	Pinger interface{ Ping(ctx context.Context) error }

	closers []func() error
}

// Close releases the store.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build opens the configured store and wires the services over it.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{}

	var (
		accountStore accounts.Store
		sessionStore auth.Store
	)
	switch cfg.Store {
	case config.StoreMemory:
		st := memory.New()
		accountStore, sessionStore = st.Accounts(), st.Sessions()
	case config.StorePostgres:
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		accountStore, sessionStore = st.Accounts(), st.Sessions()
		a.Pinger = st
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}

	engine := accounts.NewEngine(
		accounts.Policy{UserDefaultRoles: cfg.UserRoles, MachineRoles: cfg.MachineRoles},
		accounts.WithViolationHook(func(v *accounts.Violation) {
			obs.ObserveViolation(string(v.Kind))
		}),
	)
	accSvc, err := accounts.NewService(accountStore,
		accounts.WithEngine(engine),
		accounts.WithResetTTL(cfg.ResetTTL),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	signer, err := NewSigner(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	tokens, err := auth.NewTokenManager(signer, auth.AccessTTL(cfg.AccessTTL), auth.RefreshTTL(cfg.RefreshTTL))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	sessions, err := auth.NewService(sessionStore, auth.NewAuthenticator(nil), tokens)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Accounts = accSvc
	a.Sessions = sessions
	return a, nil
}

// Bootstrap seeds the system roles and, when password is set, an administrator
// identity named uid. An existing uid is left untouched; created reports whether
// the administrator was added.
func (a *App) Bootstrap(ctx context.Context, uid, password string) (created bool, err error) {
	if err := a.Accounts.EnsureSystemRoles(ctx); err != nil {
		return false, fmt.Errorf("ensure system roles: %w", err)
	}
	if password == "" {
		return false, nil
	}
	_, err = a.Accounts.CreateAccount(ctx, accounts.NewAccount{
		Kind:     accounts.KindUser,
		State:    accounts.StateActive,
		Roles:    []string{accounts.RoleAdministrator},
		Identity: &accounts.NewIdentity{UID: uid, Secret: password},
	})
	if errors.Is(err, accounts.ErrDuplicateIdentifier) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed administrator: %w", err)
	}
	return true, nil
}

// NewSigner prefers RS256 when a private key is configured and falls back to HS256.
func NewSigner(cfg config.Config) (auth.Signer, error) {
	if cfg.TokenPrivateKey != "" {
		s, err := auth.NewRSASigner(cfg.TokenPrivateKey, cfg.TokenPublicKey, cfg.TokenIssuer, cfg.TokenKeyID)
		if err != nil {
			return nil, fmt.Errorf("rsa signer: %w", err)
		}
		return s, nil
	}
	s, err := auth.NewHMACSigner(cfg.TokenSecret, cfg.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("hmac signer: %w", err)
	}
	return s, nil
}
