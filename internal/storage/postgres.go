package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/rhinoguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &baseStore{db: db, numbered: true, schema: postgresSchema}, nil
}

// Timestamps are kept as fixed-width UTC text so both drivers share one
// scan path.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		detection_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		created_by TEXT NOT NULL,
		synthetic BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		payload_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_detection ON alerts(detection_id)`,
	`CREATE TABLE IF NOT EXISTS alert_status_history (
		id BIGSERIAL PRIMARY KEY,
		alert_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		kind TEXT NOT NULL,
		changed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_history_alert ON alert_status_history(alert_id)`,
}
