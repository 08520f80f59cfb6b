// Package migrations embeds the ordered SQL schema migrations.
// Files are named NNN_description.sql and applied lexicographically.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
