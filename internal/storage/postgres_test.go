package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnString(t *testing.T) {
	cfg := testPostgresConfig()
	cfg.Host = "db"
	cfg.Password = "secret"

	s := ConnString(cfg)
	assert.True(t, strings.HasPrefix(s, "host=db "))
	assert.Contains(t, s, "password=secret")
	assert.Contains(t, s, "pool_max_conns=10")

	assert.Equal(t, "postgres://"+cfg.User+":secret@db:"+cfg.Port+"/"+cfg.Database+"?sslmode=disable", DatabaseURL(cfg))
}

func TestNewPostgresDB(t *testing.T) {
	db := testPostgres(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestMigrationVersion(t *testing.T) {
	testPostgres(t)

	version, dirty, err := MigrationVersion(DatabaseURL(testPostgresConfig()), migrationsFS(), "postgres")
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	assert.False(t, dirty)
	assert.Equal(t, uint(4), version)
}
