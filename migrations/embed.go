// Package migrations embeds the SQL schema migrations of the
// connectivity store so the binary runs them without files on disk.
package migrations

import "embed"

// FS holds the migration files at its root.
//
//go:embed *.sql
var FS embed.FS
