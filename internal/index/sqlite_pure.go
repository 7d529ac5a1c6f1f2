//go:build !sqlite_cgo

package index

import (
	_ "modernc.org/sqlite"
)

// driverName is the database/sql driver registered for this build. The
// default, cgo-free build uses modernc.org/sqlite, the same pure-Go
// driver the teacher's internal/memory package reaches for in tests.
const driverName = "sqlite"
