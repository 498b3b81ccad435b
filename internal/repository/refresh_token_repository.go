package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/store2door/store2door-api/internal/models"
)

// RefreshTokenRepository is the durable ledger of issued refresh tokens.
// Every mutation that must be atomic (rotation, retention pruning) runs in a
// single transaction here; the is_active column is the arbitration point for
// concurrent rotation of the same token.
type RefreshTokenRepository struct {
	db        *sqlx.DB
	maxActive int
}

// NewRefreshTokenRepository creates a ledger bounded to maxActive records per
// account. Values below 1 fall back to 5.
func NewRefreshTokenRepository(db *sqlx.DB, maxActive int) *RefreshTokenRepository {
	if maxActive < 1 {
		maxActive = 5
	}
	return &RefreshTokenRepository{db: db, maxActive: maxActive}
}

const insertTokenQuery = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, is_active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`

// Retention: everything but the newest maxActive active records is deactivated.
const pruneQuery = `UPDATE refresh_tokens SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE AND id NOT IN (
	SELECT id FROM refresh_tokens WHERE user_id = $1 AND is_active = TRUE ORDER BY created_at DESC LIMIT $2
)`

// Create persists a new active refresh token and prunes the account's excess
// active records in the same transaction.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	token.Active = true

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create refresh token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, insertTokenQuery, token.ID, token.UserID, token.Token, token.ExpiresAt, token.Active, token.CreatedAt); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, pruneQuery, token.UserID, r.maxActive); err != nil {
		return fmt.Errorf("prune refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create refresh token: %w", err)
	}
	return nil
}

// Rotate atomically consumes the presented token and inserts its replacement.
// The conditional UPDATE is a check-and-set: when two callers race on the same
// token, only one sees a row flip and the other gets sql.ErrNoRows.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldToken string, now time.Time, replacement *models.RefreshToken) error {
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = now
	}
	replacement.Active = true

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate refresh token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET is_active = FALSE WHERE token = $1 AND is_active = TRUE AND expires_at > $2`, oldToken, now)
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, insertTokenQuery, replacement.ID, replacement.UserID, replacement.Token, replacement.ExpiresAt, replacement.Active, replacement.CreatedAt); err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, pruneQuery, replacement.UserID, r.maxActive); err != nil {
		return fmt.Errorf("prune refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate refresh token: %w", err)
	}
	return nil
}

// FindByToken returns a ledger record by token value.
func (r *RefreshTokenRepository) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const query = `SELECT id, user_id, token, expires_at, is_active, created_at FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// Deactivate marks the matching token inactive. Missing or already-inactive
// tokens are not an error.
func (r *RefreshTokenRepository) Deactivate(ctx context.Context, token string) error {
	const query = `UPDATE refresh_tokens SET is_active = FALSE WHERE token = $1 AND is_active = TRUE`
	if _, err := r.db.ExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("deactivate refresh token: %w", err)
	}
	return nil
}

// DeactivateAllForUser revokes every active token owned by the account.
func (r *RefreshTokenRepository) DeactivateAllForUser(ctx context.Context, userID string) error {
	const query = `UPDATE refresh_tokens SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("deactivate account refresh tokens: %w", err)
	}
	return nil
}

// DeleteExpiredBefore removes rows whose expiry is older than the cutoff.
// Expired rows are already unusable; this only reclaims storage.
func (r *RefreshTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return deleted, nil
}

// CountActiveForUser returns the number of active ledger records an account
// currently holds.
func (r *RefreshTokenRepository) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM refresh_tokens WHERE user_id = $1 AND is_active = TRUE`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID); err != nil {
		return 0, fmt.Errorf("count active refresh tokens: %w", err)
	}
	return count, nil
}
