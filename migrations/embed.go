// Package migrations embeds the collector's SQL migration files so they work
// regardless of working directory.
package migrations

import (
	"embed"
	"sort"
)

// FS is the embedded migrations filesystem, holding every .sql file in this
// directory.
//
//go:embed *.sql
var FS embed.FS

// Files returns the migration filenames in apply order.
func Files() []string {
	entries, err := FS.ReadDir(".")
	if err != nil {
		// The FS is embedded at build time; a read failure is a packaging bug.
		panic("migrations: read embedded dir: " + err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
