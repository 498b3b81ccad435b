package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/store2door/store2door-api/internal/models"
	"github.com/store2door/store2door-api/internal/service"
	"github.com/store2door/store2door-api/internal/token"
	"github.com/store2door/store2door-api/pkg/config"
)

type staticAccountStore struct {
	accounts map[string]*models.Account
}

func (s *staticAccountStore) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	for _, a := range s.accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *staticAccountStore) FindByID(_ context.Context, id string) (*models.Account, error) {
	if a, ok := s.accounts[id]; ok {
		return a, nil
	}
	return nil, sql.ErrNoRows
}

func (s *staticAccountStore) Create(_ context.Context, account *models.Account) error {
	s.accounts[account.ID] = account
	return nil
}

func (s *staticAccountStore) UpdateLastLogin(context.Context, string, time.Time) error {
	return nil
}

func (s *staticAccountStore) UpdatePasswordAndRevokeTokens(context.Context, string, string, time.Time) error {
	return nil
}

type noopLedger struct{}

func (noopLedger) Create(context.Context, *models.RefreshToken) error { return nil }
func (noopLedger) Rotate(context.Context, string, time.Time, *models.RefreshToken) error {
	return nil
}
func (noopLedger) Deactivate(context.Context, string) error { return nil }

func testCodec() *token.Codec {
	return token.NewCodec(config.JWTConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessExpiry:  time.Hour,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "store2door",
		Audience:      []string{"store2door-client"},
	}, nil)
}

func newAuthFixture(t *testing.T) (*service.AuthService, *token.Codec, *models.Account) {
	t.Helper()
	account := &models.Account{
		ID:     "acc-1",
		Email:  "a@x.com",
		Role:   models.RoleCustomer,
		Active: true,
	}
	store := &staticAccountStore{accounts: map[string]*models.Account{account.ID: account}}
	codec := testCodec()
	svc := service.NewAuthService(store, noopLedger{}, codec, nil, nil, nil)
	return svc, codec, account
}

func protectedRouter(svc *service.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", JWT(svc), func(c *gin.Context) {
		claims, ok := CurrentClaims(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID})
	})
	return router
}

func TestJWTAcceptsValidAccessToken(t *testing.T) {
	svc, codec, account := newAuthFixture(t)
	router := protectedRouter(svc)

	accessToken, err := codec.Sign(token.Access, account)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), account.ID)
}

func TestJWTRejectsMissingAndMalformedHeaders(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	router := protectedRouter(svc)

	for _, header := range []string{"", "Bearer", "Bearer ", "Token abc", "abc"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestJWTRejectsRefreshTokenOnProtectedRoute(t *testing.T) {
	svc, codec, account := newAuthFixture(t)
	router := protectedRouter(svc)

	refreshToken, err := codec.Sign(token.Refresh, account)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+refreshToken)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsDeactivatedAccount(t *testing.T) {
	svc, codec, account := newAuthFixture(t)
	router := protectedRouter(svc)

	accessToken, err := codec.Sign(token.Access, account)
	require.NoError(t, err)
	account.Active = false

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalJWTNeverBlocks(t *testing.T) {
	svc, codec, account := newAuthFixture(t)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/open", OptionalJWT(svc), func(c *gin.Context) {
		if claims, ok := CurrentClaims(c); ok {
			c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": nil})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "null")

	accessToken, err := codec.Sign(token.Access, account)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), account.ID)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "null")
}
