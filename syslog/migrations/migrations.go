// Package migrations embeds the syslog schema for golang-migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
