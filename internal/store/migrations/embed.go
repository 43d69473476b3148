// Package migrations embeds the SQL migrations for the local duet.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
