package reset

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authcore/internal/account"
	"authcore/internal/autherr"
	"authcore/internal/cache"
	"authcore/internal/cache/memory"
	"authcore/internal/mailer"
	"authcore/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

type outbox struct {
	mu   sync.Mutex
	msgs []mailer.Message
	err  error
}

func (o *outbox) Send(_ context.Context, msg mailer.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) last(t *testing.T) mailer.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.msgs)
	return o.msgs[len(o.msgs)-1]
}

// recordingTickets remembers every key written to the ticket store.
type recordingTickets struct {
	cache.TicketStore
	mu   sync.Mutex
	keys []string
}

func (r *recordingTickets) PutTicket(ctx context.Context, hash string, t cache.Ticket) error {
	r.mu.Lock()
	r.keys = append(r.keys, hash)
	r.mu.Unlock()
	return r.TicketStore.PutTicket(ctx, hash, t)
}

// flakyAccounts fails SetPassword with err while err is set.
type flakyAccounts struct {
	*account.Store
	err error
}

func (f *flakyAccounts) SetPassword(ctx context.Context, accountID, pw string) error {
	if f.err != nil {
		return f.err
	}
	return f.Store.SetPassword(ctx, accountID, pw)
}

type fixture struct {
	manager  *Manager
	store    *account.Store
	repo     *account.MemoryRepository
	tokens   *token.Service
	tickets  *recordingTickets
	outbox   *outbox
	accounts *flakyAccounts
	clock    *clock
}

var tokenPattern = regexp.MustCompile(`https://app\.example\.com/reset\?token=(\S+)`)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	backend := memory.New(0, memory.WithClock(c.Now))
	t.Cleanup(func() { _ = backend.Close() })

	repo := account.NewMemoryRepository()
	tokens, err := token.NewService(token.Config{
		AccessSecret:   "access-secret-access-secret-access-secret",
		RefreshSecret:  "refresh-secret-refresh-secret-refresh-secret",
		AccessTTL:      15 * time.Minute,
		ReuseDetection: true,
	}, backend, repo, nil, token.WithClock(c.Now))
	require.NoError(t, err)

	store, err := account.NewStore(repo, account.NewArgon2idPolicy(account.Argon2Params{Time: 1, Memory: 1024, Threads: 1}), tokens)
	require.NoError(t, err)

	tickets := &recordingTickets{TicketStore: backend}
	box := &outbox{}
	accounts := &flakyAccounts{Store: store}

	m := NewManager(Config{LinkURL: "https://app.example.com/reset"}, accounts, tickets, box, nil, nil)
	m.now = c.Now

	return &fixture{manager: m, store: store, repo: repo, tokens: tokens, tickets: tickets, outbox: box, accounts: accounts, clock: c}
}

func (f *fixture) register(t *testing.T, email, password string) account.Account {
	t.Helper()
	a, err := f.store.Register(context.Background(), account.RegisterInput{
		Email: email, DisplayName: "Alice", Password: password, PasswordConfirm: password,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) requestTicket(t *testing.T, email string) string {
	t.Helper()
	require.NoError(t, f.manager.RequestReset(context.Background(), email))
	match := tokenPattern.FindStringSubmatch(f.outbox.last(t).Body)
	require.Len(t, match, 2)
	raw, err := url.QueryUnescape(match[1])
	require.NoError(t, err)
	return raw
}

func redeem(raw, pw string) RedeemInput {
	return RedeemInput{Token: raw, Password: pw, PasswordConfirm: pw}
}

func TestRequestResetUnknownEmailIsSilent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.RequestReset(context.Background(), "nobody@x.com"))
	assert.Empty(t, f.outbox.msgs)
	assert.Empty(t, f.tickets.keys)
}

func TestRequestResetInactiveAccountIsSilent(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "a@x.com", "pw123456")
	require.NoError(t, f.repo.SetActive(context.Background(), a.ID, false, f.clock.Now()))

	require.NoError(t, f.manager.RequestReset(context.Background(), "a@x.com"))
	assert.Empty(t, f.outbox.msgs)
}

func TestRequestResetMessage(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")

	raw := f.requestTicket(t, "A@X.com")
	msg := f.outbox.last(t)

	assert.Equal(t, "a@x.com", msg.To)
	assert.Equal(t, "Password Reset Request", msg.Subject)
	assert.Contains(t, msg.Body, "This link will expire in 10 minutes.")
	assert.NotEmpty(t, raw)
}

func TestRawTicketIsNeverStored(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")

	raw := f.requestTicket(t, "a@x.com")

	require.Len(t, f.tickets.keys, 1)
	assert.NotContains(t, f.tickets.keys[0], raw)
	assert.Equal(t, HashTicket(raw), f.tickets.keys[0])
}

func TestDeliveryFailureIsNotReported(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")
	f.outbox.err = errors.New("relay down")

	assert.NoError(t, f.manager.RequestReset(context.Background(), "a@x.com"))
}

func TestRedeemSetsPasswordAndRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a@x.com", "pw123456")

	_, err := f.store.Verify(ctx, "a@x.com", "pw123456")
	require.NoError(t, err)
	a, _, err := f.store.Lookup(ctx, "a@x.com")
	require.NoError(t, err)
	pair, err := f.tokens.Issue(ctx, a.ID)
	require.NoError(t, err)

	raw := f.requestTicket(t, "a@x.com")
	require.NoError(t, f.manager.Redeem(ctx, redeem(raw, "newpass99")))

	_, err = f.store.Verify(ctx, "a@x.com", "pw123456")
	assert.ErrorIs(t, err, autherr.ErrAuthentication)
	_, err = f.store.Verify(ctx, "a@x.com", "newpass99")
	assert.NoError(t, err)

	_, err = f.tokens.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenRevoked)

	// Access tokens are stateless and outlive the password change until
	// their own expiry.
	_, err = f.tokens.VerifyAccess(pair.AccessToken)
	assert.NoError(t, err)

	err = f.manager.Redeem(ctx, redeem(raw, "another99"))
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)

	f.clock.Advance(15*time.Minute + time.Second)
	_, err = f.tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)
}

func TestRedeemExpiredTicket(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")

	raw := f.requestTicket(t, "a@x.com")
	f.clock.Advance(10*time.Minute + time.Second)

	err := f.manager.Redeem(context.Background(), redeem(raw, "newpass99"))
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
}

func TestRedeemUnknownTicket(t *testing.T) {
	f := newFixture(t)

	err := f.manager.Redeem(context.Background(), redeem("made-up", "newpass99"))
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)

	err = f.manager.Redeem(context.Background(), redeem("", "newpass99"))
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
}

func TestOlderTicketsStayValid(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")

	first := f.requestTicket(t, "a@x.com")
	second := f.requestTicket(t, "a@x.com")
	require.NotEqual(t, first, second)

	require.NoError(t, f.manager.Redeem(context.Background(), redeem(first, "newpass99")))
	require.NoError(t, f.manager.Redeem(context.Background(), redeem(second, "newpass77")))
}

func TestRedeemValidationKeepsTicket(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice@x.com", "pw123456")
	raw := f.requestTicket(t, "alice@x.com")
	ctx := context.Background()

	err := f.manager.Redeem(ctx, RedeemInput{Token: raw, Password: "newpass99", PasswordConfirm: "different99"})
	assert.ErrorIs(t, err, autherr.ErrValidation)

	err = f.manager.Redeem(ctx, redeem(raw, "short"))
	assert.ErrorIs(t, err, autherr.ErrValidation)

	// Passes the generic rules but matches the account's email.
	err = f.manager.Redeem(ctx, redeem(raw, "alice@x.com"))
	assert.ErrorIs(t, err, autherr.ErrValidation)

	assert.NoError(t, f.manager.Redeem(ctx, redeem(raw, "newpass99")))
}

func TestRedeemRestoresTicketOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")
	raw := f.requestTicket(t, "a@x.com")
	ctx := context.Background()

	f.accounts.err = autherr.Unavailable("update password", errors.New("db down"))
	err := f.manager.Redeem(ctx, redeem(raw, "newpass99"))
	assert.ErrorIs(t, err, autherr.ErrUnavailable)

	f.accounts.err = nil
	assert.NoError(t, f.manager.Redeem(ctx, redeem(raw, "newpass99")))
}

func TestRedeemDoesNotRestoreAfterPasswordChanged(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")
	raw := f.requestTicket(t, "a@x.com")
	ctx := context.Background()

	f.accounts.err = autherr.Unavailable("revoke sessions", errors.Join(account.ErrSessionsNotRevoked, errors.New("cache down")))
	err := f.manager.Redeem(ctx, redeem(raw, "newpass99"))
	assert.ErrorIs(t, err, autherr.ErrUnavailable)

	f.accounts.err = nil
	assert.ErrorIs(t, f.manager.Redeem(ctx, redeem(raw, "newpass99")), autherr.ErrTokenInvalid)
}

func TestConcurrentRedeemHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", "pw123456")
	raw := f.requestTicket(t, "a@x.com")

	const n = 8
	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		invalid atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.manager.Redeem(context.Background(), redeem(raw, "newpass99"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, autherr.ErrTokenInvalid):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), invalid.Load())
}
