// Package migrations embeds the SQL schema. Postgres files live under
// postgres/ in golang-migrate naming; ClickHouse files under clickhouse/
// run in name order.
package migrations

import "embed"

// FS holds both migration trees
//
//go:embed postgres/*.sql clickhouse/*.sql
var FS embed.FS
