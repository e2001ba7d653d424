//go:build sqlite_fts5

// Package migrations embeds the SQL migration files for the engine store.
// With the sqlite_fts5 build tag the full-text search migration is
// included; default builds embed only the base schema, because the FTS5
// virtual table needs go-sqlite3 compiled with fts5 support.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
