// Package migrations embeds the Fleet Core SQL schema into the binary so
// migrations run without the .sql files present on disk.
//
// Pass FS to database.DB.Migrate; the files sit at the root of the FS.
package migrations

import "embed"

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
