// Package migrations embeds the lbaas L7 schema for both supported dialects.
//
// Files are applied in filename order by internal/core/db. Applied files
// are checksummed; never edit a released migration, add a new one.
package migrations

import "embed"

//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS

// Latest is the filename of the newest migration. Stores built against this
// tree require it to be applied.
const Latest = "005_l7_provisioning.sql"
