// Command migrate applies the SQL migrations under migrations/ to the
// configured database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/helixir/literature-monitor-service/internal/config"
	"github.com/helixir/literature-monitor-service/internal/database"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	up := flag.Bool("up", false, "Run all pending migrations")
	down := flag.Bool("down", false, "Roll back all migrations")
	steps := flag.Int("steps", 0, "Run N migration steps (positive=up, negative=down)")
	version := flag.Bool("version", false, "Print the current migration version as JSON")
	force := flag.Int("force", -1, "Force set migration version (use to recover from failed migrations)")
	migrationsPath := flag.String("path", "", "Override the migrations directory path")
	flag.Parse()

	actions := 0
	for _, set := range []bool{*up, *down, *steps != 0, *version, *force >= 0} {
		if set {
			actions++
		}
	}
	if actions == 0 {
		flag.Usage()
		return fmt.Errorf("specify one of: -up, -down, -steps N, -version, -force V")
	}
	if actions > 1 {
		return fmt.Errorf("specify only one action at a time")
	}

	cfg, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	})
	logger = observability.WithComponent(logger, "migrate")

	dir := cfg.Database.MigrationPath
	if *migrationsPath != "" {
		dir = *migrationsPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, dir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	switch {
	case *up:
		err = migrator.Up()
	case *down:
		err = migrator.Down()
	case *steps != 0:
		err = migrator.Steps(*steps)
	case *force >= 0:
		err = migrator.Force(*force)
	}
	if err != nil {
		return err
	}

	status, err := migrator.Status()
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(status)
}
