//go:build sqlite

package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteUserStore is a SQLite-backed implementation of UserStore.
type SQLiteUserStore struct {
	db *sql.DB
}

// NewSQLiteUserStore creates a new SQLite-backed user store.
func NewSQLiteUserStore(dsn string) (*SQLiteUserStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return &SQLiteUserStore{db: db}, nil
}

// NewSQLiteUserStoreFromDB creates a store using an existing DB connection.
func NewSQLiteUserStoreFromDB(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{db: db}
}

func (s *SQLiteUserStore) Close() error { return s.db.Close() }

func (s *SQLiteUserStore) Create(ctx context.Context, p *Principal) error {
	if p == nil {
		return ErrPrincipalNotFound
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, email, display_name, role, password_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Email, p.DisplayName, string(p.Role),
		p.PasswordHash, boolToInt(p.IsActive),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPrincipalExists
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) GetByID(ctx context.Context, id string) (*Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, role, password_hash, is_active, created_at, updated_at, last_login_at
		FROM principals WHERE id = ?
	`, id))
}

func (s *SQLiteUserStore) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, role, password_hash, is_active, created_at, updated_at, last_login_at
		FROM principals WHERE email = ?
	`, email))
}

func (s *SQLiteUserStore) List(ctx context.Context) ([]*Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, display_name, role, is_active, created_at, updated_at, last_login_at
		FROM principals ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query principals: %w", err)
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		var (
			p                    Principal
			role                 string
			isActive             int
			createdAt, updatedAt string
			lastLoginAt          sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Email, &p.DisplayName, &role, &isActive, &createdAt, &updatedAt, &lastLoginAt); err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		p.Role = Role(role)
		p.IsActive = isActive != 0
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if lastLoginAt.Valid && lastLoginAt.String != "" {
			t, _ := time.Parse(time.RFC3339Nano, lastLoginAt.String)
			p.LastLoginAt = &t
		}
		principals = append(principals, &p)
	}
	return principals, rows.Err()
}

func (s *SQLiteUserStore) Update(ctx context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return ErrPrincipalNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals
		SET email = ?, display_name = ?, role = ?, password_hash = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		p.Email, p.DisplayName, string(p.Role), p.PasswordHash,
		boolToInt(p.IsActive), time.Now().UTC().Format(time.RFC3339Nano), p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPrincipalExists
		}
		return fmt.Errorf("update principal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *SQLiteUserStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrPrincipalNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *SQLiteUserStore) UpdateRole(ctx context.Context, id string, role Role, authenticatedAt time.Time) error {
	ts := authenticatedAt.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET role = ?, updated_at = ?, last_login_at = ? WHERE id = ?
	`, string(role), ts, ts, id)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *SQLiteUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET last_login_at = ? WHERE id = ?
	`, t.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *SQLiteUserStore) scanPrincipal(row *sql.Row) (*Principal, error) {
	var (
		p                    Principal
		role                 string
		isActive             int
		createdAt, updatedAt string
		lastLoginAt          sql.NullString
	)
	err := row.Scan(&p.ID, &p.Email, &p.DisplayName, &role, &p.PasswordHash, &isActive, &createdAt, &updatedAt, &lastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	p.Role = Role(role)
	p.IsActive = isActive != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastLoginAt.Valid && lastLoginAt.String != "" {
		t, _ := time.Parse(time.RFC3339Nano, lastLoginAt.String)
		p.LastLoginAt = &t
	}
	return &p, nil
}
