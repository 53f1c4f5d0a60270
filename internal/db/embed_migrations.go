package db

import "embed"

// MigrationFS embeds the Postgres SQL migrations from internal/db/migrations.
// Used by the migrate runner (cmd/migrate and authctl migrate).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
