package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rhinoguard/internal/config"
	"rhinoguard/internal/model"
)

// StatusChange is one row of an alert's status history.
type StatusChange struct {
	AlertID   string       `json:"alert_id"`
	From      model.Status `json:"from,omitempty"`
	To        model.Status `json:"to"`
	Kind      string       `json:"kind"`
	ChangedAt time.Time    `json:"changed_at"`
}

// Store is the alert journal. It records what the engine saw; it is never
// read back into the in-memory alert store.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	RecordStatusChange(ctx context.Context, change StatusChange) error
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	StatusHistory(ctx context.Context, alertID string) ([]StatusChange, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// baseStore holds the SQL shared by both drivers. Queries are written with ?
// placeholders and rebound for drivers that number them.
type baseStore struct {
	db       *sql.DB
	numbered bool
	schema   []string
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if b.db == nil {
		return nil
	}
	if alert.ID == "" {
		return errors.New("save alert: empty id")
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO alerts (id, detection_id, type, severity, status, source, created_by, synthetic, created_at, updated_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			severity = excluded.severity,
			status = excluded.status,
			source = excluded.source,
			synthetic = excluded.synthetic,
			updated_at = excluded.updated_at,
			payload_json = excluded.payload_json`),
		alert.ID,
		alert.DetectionID,
		string(alert.Type),
		string(alert.Severity),
		string(alert.Status),
		string(alert.Source),
		alert.CreatedBy,
		alert.IsSynthetic,
		formatTS(alert.CreatedAt),
		formatTS(alert.UpdatedAt),
		encodeJSON(alert),
	)
	return err
}

func (b *baseStore) RecordStatusChange(ctx context.Context, change StatusChange) error {
	if b.db == nil {
		return nil
	}
	if change.ChangedAt.IsZero() {
		change.ChangedAt = nowUTC()
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO alert_status_history (alert_id, from_status, to_status, kind, changed_at)
		VALUES (?, ?, ?, ?, ?)`),
		change.AlertID,
		string(change.From),
		string(change.To),
		change.Kind,
		formatTS(change.ChangedAt),
	)
	return err
}

func (b *baseStore) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if b.db == nil {
		return []model.Alert{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT payload_json FROM alerts ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var alert model.Alert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("decode journaled alert: %w", err)
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

func (b *baseStore) StatusHistory(ctx context.Context, alertID string) ([]StatusChange, error) {
	if b.db == nil {
		return []StatusChange{}, nil
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT alert_id, from_status, to_status, kind, changed_at
		FROM alert_status_history WHERE alert_id = ? ORDER BY id`), alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]StatusChange, 0)
	for rows.Next() {
		var c StatusChange
		var from, to, changedAt string
		if err := rows.Scan(&c.AlertID, &from, &to, &c.Kind, &changedAt); err != nil {
			return nil, err
		}
		c.From = model.Status(from)
		c.To = model.Status(to)
		if ts, err := time.Parse(tsLayout, changedAt); err == nil {
			c.ChangedAt = ts
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

// formatTS renders UTC timestamps with fixed-width fractions so text columns
// sort chronologically.
func formatTS(ts time.Time) string {
	return ts.UTC().Format(tsLayout)
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
