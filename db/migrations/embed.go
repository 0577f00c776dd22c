// Package dbmigrations exposes embedded SQL migrations for paywatch binaries.
package dbmigrations

import "embed"

// Files contains the PostgreSQL migrations at the root and the SQLite migrations under sqlite/.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS

// SQLiteDir is the directory inside Files holding the SQLite migrations.
const SQLiteDir = "sqlite"
