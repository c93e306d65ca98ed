package data

import (
	"database/sql"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// InitDB opens the local metadata store and runs migrations. All durable
// state (connections, schedules, backup records, audit log) lives here.
func InitDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, "dbdesk.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// The store is hit from request goroutines, the scheduler and the audit
	// logger at once; modernc sqlite serializes writes itself but keeping a
	// single conn avoids SQLITE_BUSY on overlapping writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		password_enc TEXT NOT NULL DEFAULT '',
		database_name TEXT NOT NULL DEFAULT '',
		use_ssl INTEGER NOT NULL DEFAULT 0,
		ssh_host TEXT NOT NULL DEFAULT '',
		ssh_port INTEGER NOT NULL DEFAULT 0,
		ssh_username TEXT NOT NULL DEFAULT '',
		ssh_password_enc TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS backup_schedules (
		connection_id TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		schedule TEXT NOT NULL,
		time TEXT NOT NULL,
		day INTEGER NOT NULL DEFAULT 0,
		output_dir TEXT NOT NULL DEFAULT '',
		last_run DATETIME
	);

	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL,
		op TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		connection_id TEXT NOT NULL DEFAULT '',
		database_name TEXT NOT NULL DEFAULT '',
		table_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
	CREATE INDEX IF NOT EXISTS idx_backups_conn ON backups(connection_id);
	`
	_, err := db.Exec(schema)
	return err
}
