// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sale-settlement/internal/config"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/storage"
	"github.com/sale-settlement/migrations"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Database type: postgres, clickhouse")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	switch *dbType {
	case "postgres":
		if err := runPostgresMigrations(cfg, *action); err != nil {
			logging.Fatalf("Postgres migration failed: %v", err)
		}
	case "clickhouse":
		if err := runClickHouseMigrations(cfg, *action); err != nil {
			logging.Fatalf("ClickHouse migration failed: %v", err)
		}
	default:
		logging.Fatalf("Unknown database type: %s", *dbType)
	}
}

func runPostgresMigrations(cfg *config.Config, action string) error {
	databaseURL := storage.DatabaseURL(&cfg.Database.Postgres)

	switch action {
	case "up":
		logging.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrations.FS, "postgres"); err != nil {
			return err
		}
		logging.Info("Postgres migrations completed successfully")

	case "down":
		logging.Info("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrations.FS, "postgres"); err != nil {
			return err
		}
		logging.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrations.FS, "postgres")
		if err != nil {
			return err
		}
		logging.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current Postgres migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(cfg *config.Config, action string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}

	logging.Info("Connecting to ClickHouse...")
	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logging.Info("Running ClickHouse migrations...")
	if err := storage.RunClickHouseMigrations(ctx, db, migrations.FS, "clickhouse"); err != nil {
		return err
	}

	logging.Info("ClickHouse migrations completed successfully")
	return nil
}
