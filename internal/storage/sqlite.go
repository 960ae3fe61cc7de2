package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:rhinoguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	return &baseStore{db: db, schema: sqliteSchema}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		detection_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		created_by TEXT NOT NULL,
		synthetic INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		payload_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_detection ON alerts(detection_id)`,
	`CREATE TABLE IF NOT EXISTS alert_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		kind TEXT NOT NULL,
		changed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_history_alert ON alert_status_history(alert_id)`,
}
