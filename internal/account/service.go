package account

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kanefrayzy/pixera-sub000/internal/guard"
	"github.com/kanefrayzy/pixera-sub000/internal/observability"
	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

const (
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return fmt.Sprintf("login locked until %s", e.Until.Format(time.RFC3339))
}

// GuestLedger is the slice of the guard facade the account flows need: grant
// resolution and the one-time hand-off of a guest grant's leftover allowance
// into the wallet.
type GuestLedger interface {
	EnsureGuestGrant(ctx context.Context, sig signals.Signals) (guard.Grant, guard.Device, error)
	TransferAllLeftToWallet(ctx context.Context, sig signals.Signals, userID string) (int64, error)
}

// Store is the persistence surface the service drives; *Repository is the
// production implementation.
type Store interface {
	Create(ctx context.Context, email, passwordHash string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, email string) error
	CreateRefreshToken(ctx context.Context, userID, rawToken string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error
}

type Service struct {
	repo         Store
	guest        GuestLedger
	logger       *observability.Logger
	jwtSecret    []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	maxAttempts  int
	lockDuration time.Duration
}

func NewService(repo Store, guest GuestLedger, logger *observability.Logger, jwtSecret string) *Service {
	return &Service{
		repo:         repo,
		guest:        guest,
		logger:       logger,
		jwtSecret:    []byte(jwtSecret),
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, accessTTL, refreshTTL time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

// Signup creates the account and immediately runs the guest hand-off: any
// allowance the visitor's guest grant still holds is credited to the new
// wallet and the grant is retired from guest circulation.
func (s *Service) Signup(ctx context.Context, sig signals.Signals, email, password string) (User, Tokens, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, Tokens{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, email, string(hash))
	if err != nil {
		return User{}, Tokens{}, err
	}

	// Resolve the visitor's grant first so a brand-new browser's untouched
	// allowance exists to be handed off. Best-effort: a denied or
	// unidentifiable guest still gets an account, just no credit.
	if _, _, err := s.guest.EnsureGuestGrant(ctx, sig); err != nil {
		s.logger.Warn("signup_grant_resolve_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
	s.handOff(ctx, sig, user.ID)

	tokens, err := s.issueTokens(ctx, user.ID)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

// Login verifies credentials and repeats the hand-off. The transfer is
// find-only and idempotent on the guard side, so logging in twice from the
// same browser never credits twice. Failed attempts are counted per email and
// the account locks once the counter reaches maxAttempts.
func (s *Service) Login(ctx context.Context, sig signals.Signals, email, password string) (Tokens, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	attempt, err := s.repo.GetLoginAttempt(ctx, email)
	if err != nil {
		return Tokens{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return Tokens{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, s.failLogin(ctx, email, now)
		}
		return Tokens{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, s.failLogin(ctx, email, now)
	}

	if err := s.repo.ResetLoginAttempt(ctx, email); err != nil {
		return Tokens{}, err
	}

	s.handOff(ctx, sig, user.ID)

	return s.issueTokens(ctx, user.ID)
}

func (s *Service) failLogin(ctx context.Context, email string, now time.Time) error {
	lockedUntil, err := s.repo.RegisterFailedAttempt(ctx, email, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

func (s *Service) handOff(ctx context.Context, sig signals.Signals, userID string) {
	credited, err := s.guest.TransferAllLeftToWallet(ctx, sig, userID)
	if err != nil {
		// The account flow must not fail because the guest subsystem could
		// not be reached; the grant stays live and a later login retries.
		s.logger.Warn("guest_handoff_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}
	if credited > 0 {
		s.logger.Info("guest_handoff_credited", map[string]any{"user_id": userID, "credited": credited})
	}
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	newRefresh, err := randomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate new refresh token: %w", err)
	}

	newExp := time.Now().UTC().Add(s.refreshTTL)
	userID, err := s.repo.RotateRefreshToken(ctx, refreshToken, newRefresh, newExp)
	if err != nil {
		return Tokens{}, err
	}

	access, expiresIn, err := s.issueAccessToken(userID)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}

	return s.repo.RevokeRefreshToken(ctx, refreshToken)
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.repo.GetBalance(ctx, userID)
}

func (s *Service) issueTokens(ctx context.Context, userID string) (Tokens, error) {
	access, expiresIn, err := s.issueAccessToken(userID)
	if err != nil {
		return Tokens{}, err
	}

	refreshToken, err := randomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.repo.CreateRefreshToken(ctx, userID, refreshToken, time.Now().UTC().Add(s.refreshTTL)); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) issueAccessToken(userID string) (string, int64, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
		"typ": "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, int64(s.accessTTL.Seconds()), nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
