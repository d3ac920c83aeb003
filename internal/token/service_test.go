package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authcore/internal/account"
	"authcore/internal/autherr"
	"authcore/internal/cache/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessSecret  = "access-secret-access-secret-access-secret"
	testRefreshSecret = "refresh-secret-refresh-secret-refresh-secret"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, reuseDetection bool) (*Service, *clock) {
	t.Helper()
	s, c, _ := newTestServiceWithAccounts(t, reuseDetection)
	return s, c
}

func newTestServiceWithAccounts(t *testing.T, reuseDetection bool) (*Service, *clock, *account.MemoryRepository) {
	t.Helper()

	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New(0, memory.WithClock(c.Now))
	t.Cleanup(func() { _ = store.Close() })

	repo := account.NewMemoryRepository()
	for _, id := range []string{"acc-1", "acc-2"} {
		require.NoError(t, repo.Create(context.Background(), account.Account{
			ID: id, Email: id + "@x.com", DisplayName: id, Active: true,
		}))
	}

	s, err := NewService(Config{
		AccessSecret:   testAccessSecret,
		RefreshSecret:  testRefreshSecret,
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		Issuer:         "authcore-test",
		ReuseDetection: reuseDetection,
	}, store, repo, nil, WithClock(c.Now))
	require.NoError(t, err)
	return s, c, repo
}

func TestNewServiceValidatesSecrets(t *testing.T) {
	store := memory.New(0)
	defer store.Close()
	repo := account.NewMemoryRepository()

	_, err := NewService(Config{AccessSecret: "short", RefreshSecret: testRefreshSecret}, store, repo, nil)
	assert.Error(t, err)

	_, err = NewService(Config{AccessSecret: testAccessSecret, RefreshSecret: testAccessSecret}, store, repo, nil)
	assert.Error(t, err)

	_, err = NewService(Config{AccessSecret: testAccessSecret, RefreshSecret: testRefreshSecret}, store, nil, nil)
	assert.Error(t, err)

	_, err = NewService(Config{
		AccessSecret: testAccessSecret, RefreshSecret: testRefreshSecret,
		AccessTTL: time.Hour, RefreshTTL: time.Minute,
	}, store, repo, nil)
	assert.Error(t, err)
}

func TestIssueAndVerifyAccess(t *testing.T) {
	s, c := newTestService(t, true)

	pair, err := s.Issue(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := s.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID)
	assert.NotEmpty(t, claims.TokenID)
	assert.Equal(t, c.Now(), claims.IssuedAt.UTC())
	assert.Equal(t, c.Now().Add(15*time.Minute), claims.ExpiresAt.UTC())
}

func TestVerifyAccessExpired(t *testing.T) {
	s, c := newTestService(t, true)

	pair, err := s.Issue(context.Background(), "acc-1")
	require.NoError(t, err)

	c.Advance(15*time.Minute + time.Second)
	_, err = s.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)
}

func TestVerifyAccessRejectsTampering(t *testing.T) {
	s, _ := newTestService(t, true)

	pair, err := s.Issue(context.Background(), "acc-1")
	require.NoError(t, err)

	parts := strings.Split(pair.AccessToken, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = s.VerifyAccess(tampered)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)

	_, err = s.VerifyAccess("not-a-jwt")
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)

	_, err = s.VerifyAccess("")
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	s, _ := newTestService(t, true)

	pair, err := s.Issue(context.Background(), "acc-1")
	require.NoError(t, err)

	_, err = s.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)

	_, err = s.Refresh(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
}

func TestRefreshTokenSignedWithAccessTypeIsRejected(t *testing.T) {
	s, c := newTestService(t, true)

	forged, err := s.signWithID("acc-1", typeAccess, "jti-1", c.Now(), c.Now().Add(time.Hour), s.refreshSecret)
	require.NoError(t, err)

	_, err = s.Refresh(context.Background(), forged)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
}

func TestRejectsOtherSigningMethods(t *testing.T) {
	s, c := newTestService(t, true)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		Type: typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "acc-1", ID: "x", Issuer: "authcore-test",
			ExpiresAt: jwt.NewNumericDate(c.Now().Add(time.Hour)),
		},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.VerifyAccess(raw)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
}

func TestRefreshRotates(t *testing.T) {
	s, _ := newTestService(t, false)
	ctx := context.Background()

	first, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)

	second, err := s.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	claims, err := s.VerifyAccess(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID)

	_, err = s.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenRevoked)

	_, err = s.Refresh(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshRejectsInactiveAccount(t *testing.T) {
	s, c, repo := newTestServiceWithAccounts(t, false)
	ctx := context.Background()

	first, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)
	second, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, repo.SetActive(ctx, "acc-1", false, c.Now()))

	_, err = s.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenRevoked)

	require.NoError(t, repo.SetActive(ctx, "acc-1", true, c.Now()))

	// Both sessions were cleared when the disabled account tried to refresh.
	for _, raw := range []string{first.RefreshToken, second.RefreshToken} {
		_, err = s.Refresh(ctx, raw)
		assert.ErrorIs(t, err, autherr.ErrTokenRevoked)
	}
}

func TestRefreshRejectsDeletedAccount(t *testing.T) {
	s, _ := newTestService(t, false)
	ctx := context.Background()

	pair, err := s.Issue(ctx, "acc-gone")
	require.NoError(t, err)

	_, err = s.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenRevoked)
}

func TestRefreshAccountLookupFailureIsUnavailable(t *testing.T) {
	store := memory.New(0)
	defer store.Close()

	s, err := NewService(Config{AccessSecret: testAccessSecret, RefreshSecret: testRefreshSecret}, store, brokenAccounts{}, nil)
	require.NoError(t, err)

	pair, err := s.Issue(context.Background(), "acc-1")
	require.NoError(t, err)

	_, err = s.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrUnavailable)
}

type brokenAccounts struct{}

func (brokenAccounts) GetByID(context.Context, string) (account.Account, error) {
	return account.Account{}, errors.New("database down")
}

func TestRefreshExpired(t *testing.T) {
	s, c := newTestService(t, true)

	pair, err := s.Issue(context.Background(), "acc-1")
	require.NoError(t, err)

	c.Advance(7*24*time.Hour + time.Second)
	_, err = s.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)
}

func TestReuseDetectionRevokesSuccessor(t *testing.T) {
	s, _ := newTestService(t, true)
	ctx := context.Background()

	first, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)
	second, err := s.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = s.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrTokenRevoked)

	_, err = s.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenRevoked)
}

func TestLogoutRevokesRefreshOnly(t *testing.T) {
	s, _ := newTestService(t, true)
	ctx := context.Background()

	pair, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, s.Revoke(ctx, pair.RefreshToken))

	_, err = s.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenRevoked)

	_, err = s.VerifyAccess(pair.AccessToken)
	assert.NoError(t, err)
}

func TestRevokeAll(t *testing.T) {
	s, _ := newTestService(t, false)
	ctx := context.Background()

	a, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)
	b, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)
	other, err := s.Issue(ctx, "acc-2")
	require.NoError(t, err)
	rotated, err := s.Refresh(ctx, b.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, s.RevokeAll(ctx, "acc-1"))

	for _, raw := range []string{a.RefreshToken, b.RefreshToken, rotated.RefreshToken} {
		_, err := s.Refresh(ctx, raw)
		assert.ErrorIs(t, err, autherr.ErrTokenRevoked)
	}

	_, err = s.Refresh(ctx, other.RefreshToken)
	assert.NoError(t, err)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	s, _ := newTestService(t, false)
	ctx := context.Background()

	pair, err := s.Issue(ctx, "acc-1")
	require.NoError(t, err)

	const n = 10
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		revoked atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Refresh(ctx, pair.RefreshToken)
			switch {
			case err == nil:
				winners.Add(1)
			case autherr.KindOf(err) == autherr.KindTokenRevoked:
				revoked.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(n-1), revoked.Load())
}
