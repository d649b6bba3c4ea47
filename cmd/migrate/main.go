package main

import (
	"PerpVault/internal/config"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|rebuild-projections>")
	fmt.Println("  up                  - apply all pending migrations")
	fmt.Println("  down                - roll back the last migration")
	fmt.Println("  status              - list pending migrations")
	fmt.Println("  rebuild-projections - truncate read models and replay the event log")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PERP_POSTGRES_DSN   - Postgres connection string")
	fmt.Println("  PERP_MIGRATIONS_DIR - path to migrations directory (default: migrations)")
	fmt.Println("  PERP_CONFIG_FILE    - optional config file")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return
		}
		for _, v := range pending {
			fmt.Printf("pending  %s\n", v)
		}

	case "rebuild-projections":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("pgx pool")
		}
		defer pool.Close()

		n, err := projection.Rebuild(ctx, projection.NewPgStore(pool, nil), logger)
		if err != nil {
			logger.Fatal().Err(err).Int64("applied", n).Msg("rebuild projections")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
