//go:build sqlite

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-less SQLite driver
)

// SQLiteStore is a SQLite-backed audit store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store from a DSN.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing connection, sharing the main store's
// database.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// InitSQLiteSchema creates the audit table if it does not exist.
func InitSQLiteSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			principal_id TEXT,
			provider TEXT,
			timestamp TEXT NOT NULL,
			request_id TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events (timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON audit_events (principal_id, timestamp);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append records an audit event.
func (s *SQLiteStore) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var detailJSON sql.NullString
	if event.Detail != nil {
		data, err := json.Marshal(event.Detail)
		if err == nil {
			detailJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, principal_id, provider, timestamp, request_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		string(event.Kind),
		sql.NullString{String: event.PrincipalID, Valid: event.PrincipalID != ""},
		sql.NullString{String: event.Provider, Valid: event.Provider != ""},
		event.Timestamp.Format(time.RFC3339Nano),
		sql.NullString{String: event.RequestID, Valid: event.RequestID != ""},
		detailJSON,
	)
	return err
}

// Query retrieves matching events newest first plus the total match count.
func (s *SQLiteStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, int, error) {
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}

	where := "1=1"
	args := []any{}
	if opts.PrincipalID != "" {
		where += " AND principal_id = ?"
		args = append(args, opts.PrincipalID)
	}
	if opts.Provider != "" {
		where += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}
	if opts.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, opts.Since.Format(time.RFC3339Nano))
	}
	if opts.Until != nil {
		where += " AND timestamp <= ?"
		args = append(args, opts.Until.Format(time.RFC3339Nano))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, kind, principal_id, provider, timestamp, request_id, detail
		FROM audit_events WHERE ` + where + ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e          Event
			kind       string
			principal  sql.NullString
			provider   sql.NullString
			ts         string
			requestID  sql.NullString
			detailJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &principal, &provider, &ts, &requestID, &detailJSON); err != nil {
			return nil, 0, err
		}
		e.Kind = Kind(kind)
		e.PrincipalID = principal.String
		e.Provider = provider.String
		e.RequestID = requestID.String
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if detailJSON.Valid && detailJSON.String != "" {
			_ = json.Unmarshal([]byte(detailJSON.String), &e.Detail)
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}
