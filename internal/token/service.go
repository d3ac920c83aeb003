// Package token mints and checks JWT access and refresh tokens and keeps the
// refresh-token revocation set.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore/internal/account"
	"authcore/internal/autherr"
	"authcore/internal/cache"
	"authcore/internal/observability"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	minSecretLength   = 32

	typeAccess  = "access"
	typeRefresh = "refresh"
)

type Config struct {
	AccessSecret   string        `koanf:"access_secret"`
	RefreshSecret  string        `koanf:"refresh_secret"`
	AccessTTL      time.Duration `koanf:"access_ttl"`
	RefreshTTL     time.Duration `koanf:"refresh_ttl"`
	Issuer         string        `koanf:"issuer"`
	ReuseDetection bool          `koanf:"reuse_detection"`
}

// Pair is what a successful login or refresh returns to the caller.
type Pair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// AccountClaims is the verified content of a token.
type AccountClaims struct {
	AccountID string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Accounts reports the current state of an account. Refresh consults it so
// a disabled or deleted account cannot keep rotating pairs.
type Accounts interface {
	GetByID(ctx context.Context, id string) (account.Account, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used to stamp and check tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

type claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

type Service struct {
	accessSecret   []byte
	refreshSecret  []byte
	accessTTL      time.Duration
	refreshTTL     time.Duration
	issuer         string
	reuseDetection bool

	sessions cache.SessionStore
	accounts Accounts
	logger   *observability.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(cfg Config, sessions cache.SessionStore, accounts Accounts, logger *observability.Logger, opts ...Option) (*Service, error) {
	if accounts == nil {
		return nil, errors.New("token service needs an account source")
	}
	if len(cfg.AccessSecret) < minSecretLength || len(cfg.RefreshSecret) < minSecretLength {
		return nil, fmt.Errorf("token secrets must be at least %d bytes", minSecretLength)
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}

	s := &Service{
		accessSecret:   []byte(cfg.AccessSecret),
		refreshSecret:  []byte(cfg.RefreshSecret),
		accessTTL:      defaultAccessTTL,
		refreshTTL:     defaultRefreshTTL,
		issuer:         cfg.Issuer,
		reuseDetection: cfg.ReuseDetection,
		sessions:       sessions,
		accounts:       accounts,
		logger:         logger,
		tracer:         otel.Tracer("authcore/token"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	if cfg.AccessTTL > 0 {
		s.accessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTL > 0 {
		s.refreshTTL = cfg.RefreshTTL
	}
	if s.accessTTL >= s.refreshTTL {
		return nil, errors.New("access token ttl must be shorter than refresh token ttl")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints a new pair for accountID and records the refresh token in the
// account's session index.
func (s *Service) Issue(ctx context.Context, accountID string) (Pair, error) {
	ctx, span := s.tracer.Start(ctx, "token.Issue", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	pair, refreshID, refreshExp, err := s.mint(accountID)
	if err != nil {
		return Pair{}, fail(span, err)
	}

	if err := s.sessions.TrackSession(ctx, accountID, refreshID, refreshExp); err != nil {
		return Pair{}, fail(span, autherr.Unavailable("record session", err))
	}
	return pair, nil
}

// VerifyAccess checks an access token's signature, type and expiry. It does
// not consult the revocation set.
func (s *Service) VerifyAccess(raw string) (AccountClaims, error) {
	return s.parse(raw, s.accessSecret, typeAccess)
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// revoked in the same atomic step that records its successor, so a refresh
// token works exactly once.
func (s *Service) Refresh(ctx context.Context, raw string) (Pair, error) {
	ctx, span := s.tracer.Start(ctx, "token.Refresh")
	defer span.End()

	presented, err := s.parse(raw, s.refreshSecret, typeRefresh)
	if err != nil {
		return Pair{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("account.id", presented.AccountID))

	if err := s.requireActive(ctx, presented.AccountID); err != nil {
		return Pair{}, fail(span, err)
	}

	pair, refreshID, refreshExp, err := s.mint(presented.AccountID)
	if err != nil {
		return Pair{}, fail(span, err)
	}

	err = s.sessions.RotateSession(ctx, presented.AccountID, presented.TokenID, presented.ExpiresAt, refreshID, refreshExp)
	if errors.Is(err, cache.ErrRevoked) {
		s.onReuse(ctx, presented)
		return Pair{}, fail(span, autherr.TokenRevoked("refresh token has been revoked"))
	}
	if err != nil {
		return Pair{}, fail(span, autherr.Unavailable("rotate session", err))
	}

	return pair, nil
}

// Revoke adds a refresh token's id to the revocation set. Revoking an
// already revoked token succeeds.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	ctx, span := s.tracer.Start(ctx, "token.Revoke")
	defer span.End()

	presented, err := s.parse(raw, s.refreshSecret, typeRefresh)
	if err != nil {
		return fail(span, err)
	}

	if _, err := s.sessions.RevokeSession(ctx, presented.AccountID, presented.TokenID, presented.ExpiresAt); err != nil {
		return fail(span, autherr.Unavailable("revoke session", err))
	}
	return nil
}

// RevokeAll revokes every outstanding refresh token of accountID.
func (s *Service) RevokeAll(ctx context.Context, accountID string) error {
	ctx, span := s.tracer.Start(ctx, "token.RevokeAll", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	n, err := s.sessions.RevokeAllSessions(ctx, accountID)
	if err != nil {
		return fail(span, autherr.Unavailable("revoke sessions", err))
	}

	span.SetAttributes(attribute.Int("sessions.revoked", n))
	s.logger.Info("sessions_revoked", map[string]any{"account_id": accountID, "count": n})
	return nil
}

// requireActive rejects refresh for accounts that were disabled or deleted
// after the token was issued, and clears whatever sessions they still hold.
func (s *Service) requireActive(ctx context.Context, accountID string) error {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return autherr.Unavailable("look up account", err)
	}
	if err == nil && acc.Active {
		return nil
	}

	s.logger.Warn("refresh_for_inactive_account", map[string]any{"account_id": accountID})
	if err := s.RevokeAll(ctx, accountID); err != nil {
		s.logger.Error("inactive_account_revoke_failed", map[string]any{
			"account_id": accountID,
			"error":      err.Error(),
		})
	}
	return autherr.TokenRevoked("refresh token has been revoked")
}

// onReuse handles a revoked refresh token presented again. Either the
// legitimate client or an attacker holds a copy, so every session of the
// account is ended.
func (s *Service) onReuse(ctx context.Context, presented AccountClaims) {
	s.logger.Warn("refresh_token_reuse", map[string]any{
		"account_id": presented.AccountID,
		"token_id":   observability.ShortID(presented.TokenID),
		"revoke_all": s.reuseDetection,
	})
	if !s.reuseDetection {
		return
	}
	if err := s.RevokeAll(ctx, presented.AccountID); err != nil {
		s.logger.Error("refresh_token_reuse_revoke_failed", map[string]any{
			"account_id": presented.AccountID,
			"error":      err.Error(),
		})
	}
}

func (s *Service) mint(accountID string) (Pair, string, time.Time, error) {
	now := s.now()

	access, err := s.sign(accountID, typeAccess, now, now.Add(s.accessTTL), s.accessSecret)
	if err != nil {
		return Pair{}, "", time.Time{}, err
	}

	refreshID := ulid.Make().String()
	refreshExp := now.Add(s.refreshTTL)
	refresh, err := s.signWithID(accountID, typeRefresh, refreshID, now, refreshExp, s.refreshSecret)
	if err != nil {
		return Pair{}, "", time.Time{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		RefreshExpiresIn: int64(s.refreshTTL.Seconds()),
	}, refreshID, refreshExp, nil
}

func (s *Service) sign(accountID, typ string, issuedAt, expiresAt time.Time, secret []byte) (string, error) {
	return s.signWithID(accountID, typ, ulid.Make().String(), issuedAt, expiresAt, secret)
}

func (s *Service) signWithID(accountID, typ, id string, issuedAt, expiresAt time.Time, secret []byte) (string, error) {
	c := claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

func (s *Service) parse(raw string, secret []byte, wantType string) (AccountClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AccountClaims{}, autherr.TokenInvalid("token is missing")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccountClaims{}, autherr.TokenExpired("token has expired")
		}
		return AccountClaims{}, autherr.TokenInvalid("token is invalid")
	}

	if c.Type != wantType {
		return AccountClaims{}, autherr.TokenInvalid("token is invalid")
	}
	if c.Subject == "" || c.ID == "" {
		return AccountClaims{}, autherr.TokenInvalid("token is invalid")
	}

	out := AccountClaims{AccountID: c.Subject, TokenID: c.ID}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, autherr.KindOf(err).String())
	return err
}
