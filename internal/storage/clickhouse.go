package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/sale-settlement/internal/config"
)

// The audit trail is written by one batch per reconciliation cycle, so a
// couple of connections is enough.
const (
	clickhouseMaxOpenConns = 2
	clickhouseDialTimeout  = 5 * time.Second
	clickhouseReadTimeout  = 30 * time.Second
)

// ClickHouseDB holds the connection used for the transfer audit trail
type ClickHouseDB struct {
	conn driver.Conn
}

func clickhouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  clickhouseDialTimeout,
		ReadTimeout:  clickhouseReadTimeout,
		MaxOpenConns: clickhouseMaxOpenConns,
		MaxIdleConns: clickhouseMaxOpenConns,
	}
}

// NewClickHouseDB connects to ClickHouse and verifies the server answers
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickhouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse %s: %w", cfg.Host, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), clickhouseDialTimeout)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse %s: %w", cfg.Host, err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

func (db *ClickHouseDB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Conn exposes the driver for batch inserts
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec runs a DDL or mutation statement
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
