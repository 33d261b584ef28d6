// Package migrations embeds the audit database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
