package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sale-settlement/internal/config"
	"github.com/sale-settlement/migrations"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "sale_settlement"),
		User:           envOr("POSTGRES_USER", "sale"),
		Password:       envOr("POSTGRES_PASSWORD", "sale_dev_password"),
		MaxConnections: 10,
	}
}

// testPostgres connects to a migrated, emptied database or skips the test
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(DatabaseURL(cfg), migrations.FS, "postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `TRUNCATE supply_reservations, orders, users, sale_phases RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate error = %v", err)
	}
	return db
}

func testClickHouseConfig() *config.ClickHouseConfig {
	return &config.ClickHouseConfig{
		Enabled:  true,
		Host:     envOr("CLICKHOUSE_HOST", "localhost"),
		Port:     envOr("CLICKHOUSE_PORT", "9000"),
		Database: envOr("CLICKHOUSE_DB", "sale_settlement"),
		User:     envOr("CLICKHOUSE_USER", "default"),
		Password: envOr("CLICKHOUSE_PASSWORD", "clickhouse_dev_password"),
	}
}
