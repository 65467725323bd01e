// Package migrations embeds the versioned schema files applied by the
// migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
