package migrations

import "embed"

// FS contains embedded SQLite migrations for ledger storage.
//
//go:embed *.sql
var FS embed.FS
