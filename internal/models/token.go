package models

import "time"

// RefreshToken represents a row in the refresh_tokens ledger. A record is
// usable only while is_active is true and expires_at is in the future,
// regardless of the token's own signature validity.
type RefreshToken struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Token     string    `db:"token" json:"token"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Active    bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
