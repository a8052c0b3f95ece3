//go:build postgres

package auth

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCredentialStore is a PostgreSQL-backed implementation of CredentialStore.
type PostgresCredentialStore struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// NewPostgresCredentialStore creates a credential store with its own connection pool.
func NewPostgresCredentialStore(connStr string) (*PostgresCredentialStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, err
	}
	return &PostgresCredentialStore{pool: pool, ownPool: true}, nil
}

// NewPostgresCredentialStoreFromPool creates a credential store using an existing pool.
func NewPostgresCredentialStoreFromPool(pool *pgxpool.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool, ownPool: false}
}

func (s *PostgresCredentialStore) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresCredentialStore) Create(ctx context.Context, cred *ExternalCredential) error {
	if cred == nil || cred.ID == "" {
		return ErrCredentialNotFound
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO external_credentials (id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cred.ID, cred.UserID, string(cred.Provider), cred.Subject,
		cred.IDToken, cred.AccessToken, cred.IDTokenExpiry, cred.AccessExpiry,
		cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCredentialExists
		}
		return err
	}
	return nil
}

func (s *PostgresCredentialStore) GetByProviderSubject(ctx context.Context, provider Provider, subject string) (*ExternalCredential, error) {
	return s.scanCredential(s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at
		FROM external_credentials WHERE provider = $1 AND subject = $2`,
		string(provider), subject))
}

func (s *PostgresCredentialStore) GetLatestForUser(ctx context.Context, userID string, provider Provider) (*ExternalCredential, error) {
	return s.scanCredential(s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at
		FROM external_credentials WHERE user_id = $1 AND provider = $2
		ORDER BY updated_at DESC LIMIT 1`,
		userID, string(provider)))
}

func (s *PostgresCredentialStore) ListByUser(ctx context.Context, userID string) ([]*ExternalCredential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, provider, subject, id_token, access_token, id_token_expiry, access_expiry, created_at, updated_at
		FROM external_credentials WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*ExternalCredential
	for rows.Next() {
		cred, err := scanPgCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (s *PostgresCredentialStore) Update(ctx context.Context, cred *ExternalCredential) error {
	if cred == nil || cred.ID == "" {
		return ErrCredentialNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE external_credentials
		SET id_token = $2, access_token = $3, id_token_expiry = $4, access_expiry = $5, updated_at = $6
		WHERE id = $1`,
		cred.ID, cred.IDToken, cred.AccessToken, cred.IDTokenExpiry, cred.AccessExpiry, cred.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *PostgresCredentialStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM external_credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *PostgresCredentialStore) scanCredential(row pgx.Row) (*ExternalCredential, error) {
	cred, err := scanPgCredential(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return cred, nil
}

func scanPgCredential(row pgx.Row) (*ExternalCredential, error) {
	var (
		cred                 ExternalCredential
		provider             string
		idToken, accessToken *string
		idExpiry, accExpiry  *time.Time
	)
	err := row.Scan(&cred.ID, &cred.UserID, &provider, &cred.Subject,
		&idToken, &accessToken, &idExpiry, &accExpiry, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cred.Provider = Provider(provider)
	if idToken != nil {
		cred.IDToken = *idToken
	}
	if accessToken != nil {
		cred.AccessToken = *accessToken
	}
	cred.IDTokenExpiry = idExpiry
	cred.AccessExpiry = accExpiry
	return &cred, nil
}
