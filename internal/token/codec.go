// Package token signs and verifies the two bearer token classes. Access and
// refresh tokens carry the same claims payload but are signed with independent
// secrets and expirations, so one can never be presented in place of the other.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/store2door/store2door-api/internal/models"
	"github.com/store2door/store2door-api/pkg/config"
)

// Kind selects which token class a codec operation applies to.
type Kind int

const (
	Access Kind = iota
	Refresh
)

// Codec issues and verifies signed bearer tokens.
type Codec struct {
	cfg config.JWTConfig
	now func() time.Time
}

// NewCodec builds a codec from JWT configuration. The clock defaults to
// time.Now and is injectable for tests.
func NewCodec(cfg config.JWTConfig, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{cfg: cfg, now: now}
}

// Sign produces a signed token of the given kind for the account.
func (c *Codec) Sign(kind Kind, account *models.Account) (string, error) {
	issuedAt := c.now().UTC()
	claims := &models.Claims{
		UserID: account.ID,
		Email:  account.Email,
		Role:   account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			// Unique per token, so two tokens signed within the same
			// second never collide on the ledger's unique column.
			ID:        uuid.NewString(),
			Issuer:    c.cfg.Issuer,
			Subject:   account.ID,
			Audience:  c.cfg.Audience,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(c.expiry(kind))),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.secret(kind))
}

// Verify parses a token of the given kind and returns its claims. Signature,
// expiry, issuer and audience are all checked.
func (c *Codec) Verify(kind Kind, tokenString string) (*models.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }),
	}
	if len(c.cfg.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(c.cfg.Audience[0]))
	}

	tok, err := jwt.ParseWithClaims(tokenString, &models.Claims{}, func(t *jwt.Token) (interface{}, error) {
		return c.secret(kind), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := tok.Claims.(*models.Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// Expiry returns the configured lifetime for the given kind.
func (c *Codec) Expiry(kind Kind) time.Duration {
	return c.expiry(kind)
}

func (c *Codec) expiry(kind Kind) time.Duration {
	if kind == Refresh {
		return c.cfg.RefreshExpiry
	}
	return c.cfg.AccessExpiry
}

func (c *Codec) secret(kind Kind) []byte {
	if kind == Refresh {
		return []byte(c.cfg.RefreshSecret)
	}
	return []byte(c.cfg.AccessSecret)
}
