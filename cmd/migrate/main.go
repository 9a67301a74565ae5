package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fastybird/accounts-module/internal/migrate"
	"github.com/fastybird/accounts-module/internal/obs"
	"github.com/fastybird/accounts-module/internal/store/pg"
)

func main() {
	log := obs.Logger()
	var (
		dsn        = flag.String("dsn", os.Getenv("ACCOUNTS_PG_DSN"), "PostgreSQL DSN")
		table      = flag.String("table", "schema_migrations", "Migrations bookkeeping table")
		seedsTable = flag.String("seeds-table", "schema_seeds", "Seeds bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or ACCOUNTS_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, pg.Migrations(), pg.Seeds(),
		migrate.WithMigrationsTable(*table),
		migrate.WithSeedsTable(*seedsTable),
	)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("applied")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingToRollback) {
			log.Info().Msg("nothing to roll back")
			return
		}
		if err == nil {
			log.Info().Str("migration", name).Msg("rolled back")
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		for _, name := range applied {
			log.Info().Str("seed", name).Msg("applied")
		}
	case "status", "pending":
		var items []string
		if cmd == "status" {
			items, err = mgr.Status(ctx)
		} else {
			items, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range items {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}
