//go:build postgres

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL-backed audit store.
type PostgresStore struct {
	pool    *pgxpool.Pool
	ownPool bool // true if we created the pool (and should close it)
}

// NewPostgresStore creates a PostgreSQL-backed audit store with its own pool.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, ownPool: true}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, ownPool: false}
}

// InitPostgresSchema creates the audit table if it does not exist.
func InitPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			principal_id TEXT,
			provider TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			request_id TEXT,
			detail JSONB
		)`)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_events_principal
		ON audit_events (principal_id, timestamp)`)
	return err
}

// Close closes the pool if this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

// Append records an audit event.
func (s *PostgresStore) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var detailJSON []byte
	if event.Detail != nil {
		detailJSON, _ = json.Marshal(event.Detail)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, kind, principal_id, provider, timestamp, request_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		event.ID,
		string(event.Kind),
		nullStr(event.PrincipalID),
		nullStr(event.Provider),
		event.Timestamp,
		nullStr(event.RequestID),
		detailJSON,
	)
	return err
}

// Query retrieves matching events newest first plus the total match count.
func (s *PostgresStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, int, error) {
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}

	where := "TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if opts.PrincipalID != "" {
		where += " AND principal_id = " + arg(opts.PrincipalID)
	}
	if opts.Provider != "" {
		where += " AND provider = " + arg(opts.Provider)
	}
	if opts.Kind != "" {
		where += " AND kind = " + arg(string(opts.Kind))
	}
	if opts.Since != nil {
		where += " AND timestamp >= " + arg(*opts.Since)
	}
	if opts.Until != nil {
		where += " AND timestamp <= " + arg(*opts.Until)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, kind, principal_id, provider, timestamp, request_id, detail
		FROM audit_events WHERE ` + where +
		` ORDER BY timestamp DESC LIMIT ` + arg(opts.Limit) + ` OFFSET ` + arg(opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e          Event
			kind       string
			principal  *string
			provider   *string
			requestID  *string
			detailJSON []byte
		)
		if err := rows.Scan(&e.ID, &kind, &principal, &provider, &e.Timestamp, &requestID, &detailJSON); err != nil {
			return nil, 0, err
		}
		e.Kind = Kind(kind)
		if principal != nil {
			e.PrincipalID = *principal
		}
		if provider != nil {
			e.Provider = *provider
		}
		if requestID != nil {
			e.RequestID = *requestID
		}
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &e.Detail)
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func placeholder(n int) string {
	// Small fixed set; queries never exceed a handful of parameters.
	return [...]string{"$1", "$2", "$3", "$4", "$5", "$6", "$7", "$8"}[n-1]
}
