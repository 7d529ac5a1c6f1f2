//go:build sqlite_cgo

package index

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName is the database/sql driver registered for this build. The
// cgo build uses mattn/go-sqlite3.
const driverName = "sqlite3"
