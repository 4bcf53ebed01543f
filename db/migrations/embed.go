// Package dbmigrations embeds the SQL migrations of the order journal.
package dbmigrations

import "embed"

// Files holds the journal migrations in golang-migrate naming.
//
//go:embed *.sql
var Files embed.FS
