package db

import "embed"

// MigrationFS embeds the schema migrations applied by internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
