package configstore

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DefaultBusyTimeout bounds how long a statement waits on a lock held by
// another connection or process before failing with SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// OpenConnection opens a SQLite connection configured for the config store.
// path can be a file path or ":memory:" for an in-memory database.
//
// Every transaction is started with BEGIN IMMEDIATE so a read-modify-write
// holds the write lock from its first read. File databases use WAL so point
// reads are not blocked by an in-flight write.
func OpenConnection(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	params.Set("_txlock", "immediate")
	params.Set("_foreign_keys", "on")

	memory := isMemoryPath(path)
	if !memory {
		params.Set("_journal_mode", "WAL")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open config database: %w", err)
	}

	if memory {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to config database: %w", err)
	}
	return db, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// timestamps are stored as RFC 3339 text with nanoseconds, always UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
