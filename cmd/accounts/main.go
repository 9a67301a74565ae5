// Command accounts is the operator console: it installs the first
// administrator, creates accounts and prints the role hierarchy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/app"
	"github.com/fastybird/accounts-module/internal/audit"
	"github.com/fastybird/accounts-module/internal/config"
	"github.com/fastybird/accounts-module/internal/obs"
)

const usage = "usage: accounts [install|create|roles|rotate-token] [flags]"

func main() {
	log := obs.Logger()
	if len(os.Args) < 2 {
		log.Fatal().Msg(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := obs.Configure(cfg.AppEnv, cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("configure logger")
	}
	log = obs.Logger()
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("memory store selected; changes are discarded on exit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build services")
	}
	defer a.Close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "install":
		err = install(ctx, a.Accounts, args)
	case "create":
		err = create(ctx, a.Accounts, args)
	case "roles":
		err = roles(ctx, a.Accounts)
	case "rotate-token":
		err = rotateToken(ctx, a.Accounts, args)
	default:
		log.Fatal().Str("command", cmd).Msg(usage)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("command failed")
	}
}

// install seeds the system roles and creates the first administrator.
func install(ctx context.Context, svc *accounts.Service, args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	uid := fs.String("uid", "admin", "Administrator login")
	password := fs.String("password", os.Getenv("ACCOUNTS_ADMIN_PASSWORD"), "Administrator password")
	email := fs.String("email", "", "Administrator email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		return fmt.Errorf("missing password: provide via -password or ACCOUNTS_ADMIN_PASSWORD")
	}

	if err := svc.EnsureSystemRoles(ctx); err != nil {
		return fmt.Errorf("ensure system roles: %w", err)
	}
	in := accounts.NewAccount{
		Kind:     accounts.KindUser,
		State:    accounts.StateActive,
		Roles:    []string{accounts.RoleAdministrator},
		Identity: &accounts.NewIdentity{UID: *uid, Secret: *password},
	}
	if *email != "" {
		in.Emails = []accounts.NewEmail{{Address: *email, IsDefault: true, IsVerified: true}}
	}
	created, err := svc.CreateAccount(ctx, in)
	if err != nil {
		return err
	}
	fmt.Printf("administrator %s created (account %s)\n", *uid, created.Account.ID)
	return nil
}

func create(ctx context.Context, svc *accounts.Service, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	kind := fs.String("kind", string(accounts.KindUser), "Account kind: user or machine")
	state := fs.String("state", "", "Initial state (defaults to not_activated)")
	roleList := fs.String("roles", "", "Comma separated roles")
	uid := fs.String("uid", "", "Identity login")
	password := fs.String("password", "", "Identity secret; machine tokens are generated when empty")
	email := fs.String("email", "", "Default email (user accounts only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := accounts.NewAccount{
		Kind:  accounts.AccountKind(*kind),
		State: accounts.AccountState(*state),
		Roles: splitList(*roleList),
	}
	if *uid != "" {
		in.Identity = &accounts.NewIdentity{UID: *uid, Secret: *password}
	}
	if *email != "" {
		in.Emails = []accounts.NewEmail{{Address: *email, IsDefault: true}}
	}
	created, err := svc.CreateAccount(ctx, in)
	if err != nil {
		return err
	}
	fmt.Printf("account %s created (%s, %s, roles %s)\n",
		created.Account.ID, created.Account.Kind, created.Account.State, strings.Join(created.Account.Roles, ","))
	if created.MachineToken != "" {
		fmt.Printf("machine token: %s\n", created.MachineToken)
	}
	return nil
}

func roles(ctx context.Context, svc *accounts.Service) error {
	tree, err := svc.RoleTree(ctx)
	if err != nil {
		return err
	}
	fmt.Print(tree.String())
	return nil
}

func rotateToken(ctx context.Context, svc *accounts.Service, args []string) error {
	fs := flag.NewFlagSet("rotate-token", flag.ExitOnError)
	identity := fs.String("identity", "", "Machine identity id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identity == "" {
		return fmt.Errorf("missing -identity")
	}
	token, err := svc.RotateMachineToken(ctx, *identity)
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.EventTokenRotated, map[string]any{
		"target": *identity,
		"source": "console",
	})
	fmt.Printf("machine token: %s\n", token)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
