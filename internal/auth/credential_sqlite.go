//go:build sqlite

package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCredentialStore is a SQLite-backed implementation of CredentialStore.
type SQLiteCredentialStore struct {
	db *sql.DB
}

// NewSQLiteCredentialStore creates a new SQLite-backed credential store.
func NewSQLiteCredentialStore(dsn string) (*SQLiteCredentialStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return &SQLiteCredentialStore{db: db}, nil
}

// NewSQLiteCredentialStoreFromDB creates a store using an existing DB connection.
func NewSQLiteCredentialStoreFromDB(db *sql.DB) *SQLiteCredentialStore {
	return &SQLiteCredentialStore{db: db}
}

func (s *SQLiteCredentialStore) Close() error { return s.db.Close() }

func (s *SQLiteCredentialStore) Create(ctx context.Context, cred *ExternalCredential) error {
	if cred == nil || cred.ID == "" {
		return ErrCredentialNotFound
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_credentials (id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cred.ID, cred.UserID, string(cred.Provider), cred.Subject,
		nullStr(cred.IDToken), nullStr(cred.AccessToken),
		nullTime(cred.IDTokenExpiry), nullTime(cred.AccessExpiry),
		cred.CreatedAt.Format(time.RFC3339Nano), cred.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *SQLiteCredentialStore) GetByProviderSubject(ctx context.Context, provider Provider, subject string) (*ExternalCredential, error) {
	return s.scanCredential(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at
		FROM external_credentials WHERE provider = ? AND subject = ?
	`, string(provider), subject))
}

func (s *SQLiteCredentialStore) GetLatestForUser(ctx context.Context, userID string, provider Provider) (*ExternalCredential, error) {
	return s.scanCredential(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at
		FROM external_credentials WHERE user_id = ? AND provider = ?
		ORDER BY updated_at DESC LIMIT 1
	`, userID, string(provider)))
}

func (s *SQLiteCredentialStore) ListByUser(ctx context.Context, userID string) ([]*ExternalCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at
		FROM external_credentials WHERE user_id = ? ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*ExternalCredential
	for rows.Next() {
		cred, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (s *SQLiteCredentialStore) Update(ctx context.Context, cred *ExternalCredential) error {
	if cred == nil || cred.ID == "" {
		return ErrCredentialNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_credentials
		SET id_token = ?, access_token = ?, id_token_expiry = ?, access_expiry = ?, updated_at = ?
		WHERE id = ?
	`,
		nullStr(cred.IDToken), nullStr(cred.AccessToken),
		nullTime(cred.IDTokenExpiry), nullTime(cred.AccessExpiry),
		cred.UpdatedAt.Format(time.RFC3339Nano), cred.ID,
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *SQLiteCredentialStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrCredentialNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM external_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteCredentialStore) scanCredential(row *sql.Row) (*ExternalCredential, error) {
	cred, err := scanCredentialRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cred, err
}

func scanCredentialRow(row rowScanner) (*ExternalCredential, error) {
	var (
		cred                      ExternalCredential
		provider                  string
		idToken, accessToken      sql.NullString
		idExpiry, accessExpiry    sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&cred.ID, &cred.UserID, &provider, &cred.Subject,
		&idToken, &accessToken, &idExpiry, &accessExpiry, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cred.Provider = Provider(provider)
	cred.IDToken = idToken.String
	cred.AccessToken = accessToken.String
	if idExpiry.Valid && idExpiry.String != "" {
		t, _ := time.Parse(time.RFC3339Nano, idExpiry.String)
		cred.IDTokenExpiry = &t
	}
	if accessExpiry.Valid && accessExpiry.String != "" {
		t, _ := time.Parse(time.RFC3339Nano, accessExpiry.String)
		cred.AccessExpiry = &t
	}
	cred.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cred.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &cred, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
