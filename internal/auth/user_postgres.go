//go:build postgres

package auth

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUserStore is a PostgreSQL-backed implementation of UserStore.
type PostgresUserStore struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// NewPostgresUserStore creates a new PostgreSQL-backed user store with its own connection pool.
func NewPostgresUserStore(connStr string) (*PostgresUserStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, err
	}
	return &PostgresUserStore{pool: pool, ownPool: true}, nil
}

// NewPostgresUserStoreFromPool creates a user store using an existing pool.
func NewPostgresUserStoreFromPool(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool, ownPool: false}
}

func (s *PostgresUserStore) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresUserStore) Create(ctx context.Context, p *Principal) error {
	if p == nil {
		return ErrPrincipalNotFound
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO principals (id, email, display_name, role, password_hash, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Email, p.DisplayName, string(p.Role),
		p.PasswordHash, p.IsActive, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPrincipalExists
		}
		return err
	}
	return nil
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*Principal, error) {
	return s.scanPrincipal(s.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, password_hash, is_active, created_at, updated_at, last_login_at
		FROM principals WHERE id = $1`, id))
}

func (s *PostgresUserStore) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	return s.scanPrincipal(s.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, password_hash, is_active, created_at, updated_at, last_login_at
		FROM principals WHERE email = $1`, email))
}

func (s *PostgresUserStore) List(ctx context.Context) ([]*Principal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, display_name, role, is_active, created_at, updated_at, last_login_at
		FROM principals ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		var p Principal
		var role string
		var lastLoginAt *time.Time
		if err := rows.Scan(&p.ID, &p.Email, &p.DisplayName, &role, &p.IsActive, &p.CreatedAt, &p.UpdatedAt, &lastLoginAt); err != nil {
			return nil, err
		}
		p.Role = Role(role)
		p.LastLoginAt = lastLoginAt
		principals = append(principals, &p)
	}
	return principals, rows.Err()
}

func (s *PostgresUserStore) Update(ctx context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return ErrPrincipalNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE principals SET email = $2, display_name = $3, role = $4,
			password_hash = $5, is_active = $6, updated_at = $7
		WHERE id = $1`,
		p.ID, p.Email, p.DisplayName, string(p.Role),
		p.PasswordHash, p.IsActive, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPrincipalExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *PostgresUserStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM principals WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *PostgresUserStore) UpdateRole(ctx context.Context, id string, role Role, authenticatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE principals SET role = $2, updated_at = $3, last_login_at = $3 WHERE id = $1`,
		id, string(role), authenticatedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *PostgresUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE principals SET last_login_at = $2 WHERE id = $1`, id, t)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *PostgresUserStore) scanPrincipal(row pgx.Row) (*Principal, error) {
	var p Principal
	var role string
	var lastLoginAt *time.Time

	err := row.Scan(&p.ID, &p.Email, &p.DisplayName, &role,
		&p.PasswordHash, &p.IsActive, &p.CreatedAt, &p.UpdatedAt, &lastLoginAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	p.Role = Role(role)
	p.LastLoginAt = lastLoginAt
	return &p, nil
}
