package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"MemePerp/internal/config"
	"MemePerp/internal/observability"
	"MemePerp/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERP_CONFIG_FILE     - optional config file")
		fmt.Println("  PERP_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  PERP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(os.Getenv("PERP_CONFIG_FILE"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			mark := " "
			if s.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %s %s\n", mark, s.Version, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
