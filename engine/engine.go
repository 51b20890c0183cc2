package engine

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// Open opens a SQLite database using the modernc.org/sqlite driver.
//
// For file-based databases, pass a path like "./db.sqlite". For in-memory
// databases, pass ":memory:".
func Open(dsn string) (*sql.DB, error) { return sql.Open("sqlite", dsn) }

// OpenWithBusyTimeout opens a SQLite database with a busy-timeout pragma so
// a locked database returns SQLITE_BUSY after the timeout instead of
// blocking indefinitely. The cache store relies on a sub-second timeout and
// treats lock failures as cache misses.
func OpenWithBusyTimeout(dsn string, timeout time.Duration) (*sql.DB, error) {
	ms := timeout.Milliseconds()
	if ms <= 0 {
		return Open(dsn)
	}
	pragma := fmt.Sprintf("_pragma=busy_timeout(%d)", ms)
	switch {
	case dsn == ":memory:":
		dsn = "file::memory:?" + pragma
	case strings.Contains(dsn, "?"):
		dsn = dsn + "&" + pragma
	case strings.HasPrefix(dsn, "file:"):
		dsn = dsn + "?" + pragma
	default:
		dsn = "file:" + url.PathEscape(dsn) + "?" + pragma
	}
	return sql.Open("sqlite", dsn)
}
