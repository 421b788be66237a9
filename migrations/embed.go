// Package migrations embeds the relay's schema migration SQL so the
// deployed binary carries its own schema and never depends on a
// migrations directory being mounted next to it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
