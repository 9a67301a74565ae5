package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Store:        config.StoreMemory,
		TokenSecret:  strings.Repeat("s", 32),
		TokenIssuer:  "accounts",
		AccessTTL:    6 * time.Hour,
		RefreshTTL:   72 * time.Hour,
		ResetTTL:     time.Hour,
		UserRoles:    []string{accounts.RoleUser},
		MachineRoles: []string{accounts.RoleManager},
	}
}

func TestBuildMemoryWiresServices(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	if a.Pinger != nil {
		t.Fatal("memory store should not expose a pinger")
	}
	if err := a.Accounts.EnsureSystemRoles(ctx); err != nil {
		t.Fatalf("EnsureSystemRoles: %v", err)
	}
	created, err := a.Accounts.CreateAccount(ctx, accounts.NewAccount{
		Kind:     accounts.KindMachine,
		State:    accounts.StateActive,
		Identity: &accounts.NewIdentity{UID: "svc"},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	session, err := a.Sessions.Login(ctx, "svc", created.MachineToken)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.AccessExpiresAt == nil || session.RefreshExpiresAt.Sub(*session.AccessExpiresAt) != 66*time.Hour {
		t.Fatalf("unexpected expiries: %v / %v", session.AccessExpiresAt, session.RefreshExpiresAt)
	}
}

func TestBuildRejectsUnknownStore(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store = "sqlite"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestNewSignerFallsBackToHMAC(t *testing.T) {
	s, err := NewSigner(memoryConfig())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s == nil {
		t.Fatal("expected signer")
	}

	cfg := memoryConfig()
	cfg.TokenPrivateKey = "not a pem"
	if _, err := NewSigner(cfg); err == nil {
		t.Fatal("expected invalid private key error")
	}
}

func TestBootstrapSeedsAdministratorOnce(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	seeded, err := a.Bootstrap(ctx, "admin", "")
	if err != nil || seeded {
		t.Fatalf("expected roles only without a password, got %v / %v", seeded, err)
	}
	tree, err := a.Accounts.RoleTree(ctx)
	if err != nil {
		t.Fatalf("RoleTree: %v", err)
	}
	if _, ok := tree.ByName(accounts.RoleAdministrator); !ok {
		t.Fatal("expected system roles to be seeded")
	}

	seeded, err = a.Bootstrap(ctx, "admin", "admin-password")
	if err != nil || !seeded {
		t.Fatalf("expected administrator to be seeded, got %v / %v", seeded, err)
	}
	session, err := a.Sessions.Login(ctx, "admin", "admin-password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(session.Roles) != 1 || session.Roles[0] != accounts.RoleAdministrator {
		t.Fatalf("unexpected roles: %v", session.Roles)
	}

	seeded, err = a.Bootstrap(ctx, "admin", "admin-password")
	if err != nil || seeded {
		t.Fatalf("expected an existing administrator to be kept, got %v / %v", seeded, err)
	}
}
