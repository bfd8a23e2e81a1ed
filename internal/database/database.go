package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Initialize opens the database for driver and creates the schema.
// For sqlite dsn is a file path (or ":memory:"); for postgres it is a
// connection URL.
func Initialize(driver, dsn string, maxOpenConns int) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" {
			// Create data directory if it doesn't exist
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, err
		}
		// One connection: writers serialize and ":memory:" stays a single database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, err
		}
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		if maxOpenConns > 0 {
			db.SetMaxOpenConns(maxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s: %w", driver, err)
	}

	// Create tables
	if err := createTables(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB, driver string) error {
	timestamp := "DATETIME"
	boolFalse := "0"
	if driver == DriverPostgres {
		timestamp = "TIMESTAMPTZ"
		boolFalse = "FALSE"
	}

	// p256dh and auth hold sealed values, never the raw browser keys.
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS reminder_preferences (
		user_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT %[2]s,
		local_time TEXT NOT NULL DEFAULT '09:00',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		endpoint TEXT,
		p256dh TEXT,
		auth TEXT,
		last_sent_date TEXT,
		last_outcome TEXT,
		last_attempt_at %[1]s,
		created_at %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reminder_preferences_enabled ON reminder_preferences(enabled);
	`, timestamp, boolFalse)

	_, err := db.Exec(schema)
	return err
}
