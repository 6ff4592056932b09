// Package migrations embeds the PostgreSQL schema for the audit and consent
// sinks.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
