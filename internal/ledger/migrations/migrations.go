// Package migrations embeds the chef station's SQLite schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
