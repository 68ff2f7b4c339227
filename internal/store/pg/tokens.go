package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flowgate.org/internal/auth"
)

type tokenStore struct {
	db *sql.DB
}

const tokenColumns = `id, user_id, token_hash, expires_at, revoked, created_at`

func scanToken(row interface{ Scan(...any) error }) (*auth.RefreshToken, error) {
	var t auth.RefreshToken
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at)
		values ($1, $2, $3, $4, false, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return mapAuthErr(err)
}

func (s *tokenStore) GetByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `select `+tokenColumns+` from refresh_tokens where token_hash = $1`, tokenHash)
	return scanToken(row)
}

// Rotate revokes the consumed token and inserts its successor in one
// transaction. The guarded update touches zero rows when the token was
// already revoked, which turns a replayed rotation into ErrInvalidToken
// without minting anything.
func (s *tokenStore) Rotate(ctx context.Context, consumedID string, successor *auth.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked = true where id = $1 and revoked = false
	`, consumedID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrInvalidToken
	}

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at)
		values ($1, $2, $3, $4, false, $5)
	`, successor.ID, successor.UserID, successor.TokenHash, successor.ExpiresAt, successor.CreatedAt); err != nil {
		return mapAuthErr(err)
	}
	return tx.Commit()
}

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where user_id = $1 and revoked = false
	`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *tokenStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
