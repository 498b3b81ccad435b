package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/store2door/store2door-api/internal/middleware"
	"github.com/store2door/store2door-api/internal/models"
	"github.com/store2door/store2door-api/internal/service"
	"github.com/store2door/store2door-api/internal/token"
	"github.com/store2door/store2door-api/pkg/config"
)

// memoryStore backs both the auth service and the account service in tests.
type memoryStore struct {
	accounts map[string]*models.Account
	tokens   map[string]*models.RefreshToken
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: make(map[string]*models.Account),
		tokens:   make(map[string]*models.RefreshToken),
	}
}

func (m *memoryStore) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	for _, a := range m.accounts {
		if a.Email == strings.ToLower(email) {
			return a, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryStore) FindByID(_ context.Context, id string) (*models.Account, error) {
	if a, ok := m.accounts[id]; ok {
		return a, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memoryStore) Create(_ context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *memoryStore) UpdateLastLogin(_ context.Context, id string, ts time.Time) error {
	if a, ok := m.accounts[id]; ok {
		a.LastLoginAt = &ts
	}
	return nil
}

func (m *memoryStore) UpdatePasswordAndRevokeTokens(_ context.Context, id, hash string, _ time.Time) error {
	account, ok := m.accounts[id]
	if !ok {
		return sql.ErrNoRows
	}
	account.PasswordHash = hash
	for _, rt := range m.tokens {
		if rt.UserID == id {
			rt.Active = false
		}
	}
	return nil
}

func (m *memoryStore) List(_ context.Context, _ models.AccountFilter) ([]models.Account, int, error) {
	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	return out, len(out), nil
}

func (m *memoryStore) Update(_ context.Context, account *models.Account) error {
	m.accounts[account.ID] = account
	return nil
}

func (m *memoryStore) Deactivate(_ context.Context, id string) error {
	if a, ok := m.accounts[id]; ok {
		a.Active = false
	}
	return nil
}

func (m *memoryStore) CreateToken(_ context.Context, rt *models.RefreshToken) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	rt.Active = true
	m.tokens[rt.Token] = rt
	return nil
}

// tokenLedger adapts memoryStore to the refresh token ledger contract.
type tokenLedger struct {
	store *memoryStore
}

func (l tokenLedger) Create(ctx context.Context, rt *models.RefreshToken) error {
	return l.store.CreateToken(ctx, rt)
}

func (l tokenLedger) Rotate(ctx context.Context, oldToken string, now time.Time, replacement *models.RefreshToken) error {
	existing, ok := l.store.tokens[oldToken]
	if !ok || !existing.Active || !existing.ExpiresAt.After(now) {
		return sql.ErrNoRows
	}
	existing.Active = false
	return l.store.CreateToken(ctx, replacement)
}

func (l tokenLedger) Deactivate(_ context.Context, tokenValue string) error {
	if rt, ok := l.store.tokens[tokenValue]; ok {
		rt.Active = false
	}
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *memoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemoryStore()
	codec := token.NewCodec(config.JWTConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessExpiry:  time.Hour,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "store2door",
		Audience:      []string{"store2door-client"},
	}, nil)

	authService := service.NewAuthService(store, tokenLedger{store: store}, codec, nil, nil, nil)
	accountService := service.NewAccountService(store, nil, nil)
	authHandler := NewAuthHandler(authService, accountService, nil)

	router := gin.New()
	auth := router.Group("/api/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
	}
	authed := router.Group("/api/auth", middleware.JWT(authService))
	{
		authed.GET("/me", authHandler.Me)
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/users", middleware.RequireRoles(models.RoleAdmin), authHandler.ListUsers)
	}
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path, bearer string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerAccount(t *testing.T, router *gin.Engine, email string, role models.Role) models.AuthResponse {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{
		Email:    email,
		Password: "correct-horse",
		FullName: "Test Person",
		Role:     role,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var envelope struct {
		Data models.AuthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestRegisterReturnsTokenPair(t *testing.T) {
	router, _ := newTestRouter(t)

	res := registerAccount(t, router, "new@x.com", "")
	assert.NotEmpty(t, res.Token)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "new@x.com", res.User.Email)
	assert.Equal(t, models.RoleCustomer, res.User.Role)
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	router, _ := newTestRouter(t)
	registerAccount(t, router, "dup@x.com", "")

	rec := doJSON(t, router, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{
		Email:    "DUP@x.com",
		Password: "correct-horse",
		FullName: "Other Person",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "EMAIL_EXISTS")
}

func TestLoginStatusCodes(t *testing.T) {
	router, _ := newTestRouter(t)
	registerAccount(t, router, "login@x.com", "")

	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Email: "login@x.com", Password: "correct-horse"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Email: "login@x.com", Password: "wrong-horse"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CREDENTIALS")

	rec = doJSON(t, router, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Email: "nobody@x.com", Password: "correct-horse"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CREDENTIALS")
}

func TestRefreshRotationBurnsOldToken(t *testing.T) {
	router, _ := newTestRouter(t)
	res := registerAccount(t, router, "rotate@x.com", "")

	rec := doJSON(t, router, http.MethodPost, "/api/auth/refresh", "", models.RefreshRequest{RefreshToken: res.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envelope struct {
		Data models.TokenPair `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Data.Token)
	assert.NotEqual(t, res.RefreshToken, envelope.Data.RefreshToken)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/refresh", "", models.RefreshRequest{RefreshToken: res.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REFRESH_TOKEN")
}

func TestMeRequiresAccessToken(t *testing.T) {
	router, _ := newTestRouter(t)
	res := registerAccount(t, router, "me@x.com", "")

	rec := doJSON(t, router, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/auth/me", res.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "me@x.com")

	// A refresh token is not a valid credential for protected routes.
	rec = doJSON(t, router, http.MethodGet, "/api/auth/me", res.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListUsersRequiresAdminRole(t *testing.T) {
	router, _ := newTestRouter(t)
	customer := registerAccount(t, router, "customer@x.com", "")
	admin := registerAccount(t, router, "admin@x.com", models.RoleAdmin)

	rec := doJSON(t, router, http.MethodGet, "/api/auth/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/auth/users", customer.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")

	rec = doJSON(t, router, http.MethodGet, "/api/auth/users", admin.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "customer@x.com")
}

func TestChangePasswordWrongCurrentIsBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	res := registerAccount(t, router, "pw@x.com", "")

	rec := doJSON(t, router, http.MethodPost, "/api/auth/change-password", res.Token, models.ChangePasswordRequest{
		CurrentPassword: "wrong-horse",
		NewPassword:     "battery-staple",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CREDENTIALS")
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	router, store := newTestRouter(t)
	res := registerAccount(t, router, "revoke@x.com", "")

	rec := doJSON(t, router, http.MethodPost, "/api/auth/change-password", res.Token, models.ChangePasswordRequest{
		CurrentPassword: "correct-horse",
		NewPassword:     "battery-staple",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, rt := range store.tokens {
		assert.False(t, rt.Active)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/auth/refresh", "", models.RefreshRequest{RefreshToken: res.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Email: "revoke@x.com", Password: "battery-staple"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutIsSilentForUnknownToken(t *testing.T) {
	router, _ := newTestRouter(t)
	res := registerAccount(t, router, "bye@x.com", "")

	rec := doJSON(t, router, http.MethodPost, "/api/auth/logout", res.Token, models.LogoutRequest{RefreshToken: "never-issued"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "logged out")
}
