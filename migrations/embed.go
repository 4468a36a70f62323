// Package migrations embeds the Postgres schema for the activity store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
