// Package migrations embeds the SDK schema migrations at compile time so
// host applications deploy a single artifact with no external SQL files.
package migrations

import "embed"

//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
