package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/store2door/store2door-api/internal/models"
	"github.com/store2door/store2door-api/internal/token"
	appErrors "github.com/store2door/store2door-api/pkg/errors"
)

// Work factor for password hashing. Deliberately expensive.
const passwordHashCost = 12

type authAccountRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByID(ctx context.Context, id string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePasswordAndRevokeTokens(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

type refreshTokenLedger interface {
	Create(ctx context.Context, rt *models.RefreshToken) error
	Rotate(ctx context.Context, oldToken string, now time.Time, replacement *models.RefreshToken) error
	Deactivate(ctx context.Context, tokenValue string) error
}

// AuthService orchestrates registration, login, token rotation and password
// management. All collaborators are injected; the service holds no state of
// its own beyond configuration.
type AuthService struct {
	accounts  authAccountRepository
	tokens    refreshTokenLedger
	codec     *token.Codec
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance. A nil clock defaults to
// time.Now.
func NewAuthService(accounts authAccountRepository, tokens refreshTokenLedger, codec *token.Codec, validate *validator.Validate, logger *zap.Logger, now func() time.Time) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if now == nil {
		now = time.Now
	}
	return &AuthService{accounts: accounts, tokens: tokens, codec: codec, validator: validate, logger: logger, now: now}
}

// Register creates an account from credentials and issues its first token
// pair. A case-folded email collision fails before any row is written.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	role := req.Role
	if role == "" {
		role = models.RoleCustomer
	}

	if _, err := s.accounts.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrEmailExists, "")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email uniqueness")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), passwordHashCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	account := &models.Account{
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(passwordHash),
		FullName:     req.FullName,
		Role:         role,
		Active:       true,
	}
	if req.Phone != "" {
		phone := req.Phone
		account.Phone = &phone
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create account")
	}

	pair, err := s.issueTokens(ctx, account)
	if err != nil {
		return nil, err
	}

	return &models.AuthResponse{User: account.Info(), Token: pair.Token, RefreshToken: pair.RefreshToken}, nil
}

// Login authenticates an account and issues a fresh token pair. Unknown email
// and wrong password report the same error.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	account, err := s.accounts.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch account")
	}

	if !account.Active {
		return nil, appErrors.Clone(appErrors.ErrAccountDeactivated, "")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	pair, err := s.issueTokens(ctx, account)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.UpdateLastLogin(ctx, account.ID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	return &models.AuthResponse{User: account.Info(), Token: pair.Token, RefreshToken: pair.RefreshToken}, nil
}

// Refresh rotates a refresh token: the presented token is consumed and a new
// pair issued in one transaction. Signature failure, a missing or inactive
// ledger record, and a deactivated owner all collapse into one error.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	claims, err := s.codec.Verify(token.Refresh, req.RefreshToken)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
	}

	account, err := s.accounts.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}
	if !account.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
	}

	accessToken, err := s.codec.Sign(token.Access, account)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}
	refreshToken, err := s.codec.Sign(token.Refresh, account)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign refresh token")
	}

	now := s.now().UTC()
	replacement := &models.RefreshToken{
		UserID:    account.ID,
		Token:     refreshToken,
		ExpiresAt: now.Add(s.codec.Expiry(token.Refresh)),
		CreatedAt: now,
	}

	if err := s.tokens.Rotate(ctx, req.RefreshToken, now, replacement); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already consumed, expired or revoked; only one concurrent
			// rotation of a given token may succeed.
			return nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}

	return &models.TokenPair{Token: accessToken, RefreshToken: refreshToken}, nil
}

// VerifyToken validates an access token and confirms the owning account still
// exists and is active. Read-only.
func (s *AuthService) VerifyToken(ctx context.Context, accessToken string) (*models.Claims, error) {
	claims, err := s.codec.Verify(token.Access, accessToken)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	account, err := s.accounts.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}
	if !account.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	return claims, nil
}

// Logout deactivates the matching ledger record. Unknown or already-inactive
// tokens succeed silently.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if err := s.tokens.Deactivate(ctx, refreshToken); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	return nil
}

// ChangePassword replaces the password hash and revokes every active session
// for the account, forcing re-login everywhere else.
func (s *AuthService) ChangePassword(ctx context.Context, accountID string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "account not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return appErrors.New(appErrors.ErrInvalidCredentials.Code, http.StatusBadRequest, "current password is incorrect")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), passwordHashCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.accounts.UpdatePasswordAndRevokeTokens(ctx, accountID, string(newHash), s.now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	return nil
}

func (s *AuthService) issueTokens(ctx context.Context, account *models.Account) (*models.TokenPair, error) {
	accessToken, err := s.codec.Sign(token.Access, account)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	refreshToken, err := s.codec.Sign(token.Refresh, account)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign refresh token")
	}

	now := s.now().UTC()
	record := &models.RefreshToken{
		UserID:    account.ID,
		Token:     refreshToken,
		ExpiresAt: now.Add(s.codec.Expiry(token.Refresh)),
		CreatedAt: now,
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return &models.TokenPair{Token: accessToken, RefreshToken: refreshToken}, nil
}
