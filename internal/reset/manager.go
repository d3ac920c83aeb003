// Package reset issues and redeems single-use password-reset tickets.
package reset

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"authcore/internal/account"
	"authcore/internal/autherr"
	"authcore/internal/cache"
	"authcore/internal/mailer"
	"authcore/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTicketTTL = 10 * time.Minute
	ticketBytes      = 32

	mailSubject = "Password Reset Request"
)

type Config struct {
	TicketTTL time.Duration `koanf:"ticket_ttl"`
	// LinkURL is the page that accepts the ticket; the raw ticket is appended
	// as the token query parameter.
	LinkURL string `koanf:"-"`
}

// Accounts is the slice of the credential store the manager needs.
type Accounts interface {
	Lookup(ctx context.Context, email string) (account.Account, bool, error)
	SetPassword(ctx context.Context, accountID, newPassword string) error
	CheckPassword(acc account.Account, password string) error
}

type RedeemInput struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type Manager struct {
	accounts Accounts
	tickets  cache.TicketStore
	sender   mailer.Sender
	ttl      time.Duration
	linkURL  string

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewManager(cfg Config, accounts Accounts, tickets cache.TicketStore, sender mailer.Sender, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	ttl := cfg.TicketTTL
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &Manager{
		accounts: accounts,
		tickets:  tickets,
		sender:   sender,
		ttl:      ttl,
		linkURL:  strings.TrimSpace(cfg.LinkURL),
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("authcore/reset"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestReset issues a ticket for email and hands the link to the sender.
// The result does not reveal whether the email belongs to an account: a
// ticket is generated either way, and storage or delivery failures are only
// logged. A lookup failure is the one error returned.
func (m *Manager) RequestReset(ctx context.Context, email string) error {
	ctx, span := m.tracer.Start(ctx, "reset.RequestReset")
	defer span.End()

	raw, hash, err := newTicket()
	if err != nil {
		return fail(span, autherr.Unavailable("generate reset ticket", err))
	}

	acc, found, err := m.accounts.Lookup(ctx, email)
	if err != nil {
		m.metrics.Reset("request", "error")
		return fail(span, err)
	}
	if !found || !acc.Active {
		m.metrics.Reset("request", "unknown")
		m.logger.Debug("reset_request_ignored", nil)
		return nil
	}
	span.SetAttributes(attribute.String("account.id", acc.ID))

	now := m.now()
	ticket := cache.Ticket{AccountID: acc.ID, IssuedAt: now, ExpiresAt: now.Add(m.ttl)}
	if err := m.tickets.PutTicket(ctx, hash, ticket); err != nil {
		m.metrics.Reset("request", "error")
		m.logger.Error("reset_ticket_store_failed", map[string]any{"account_id": acc.ID, "error": err.Error()})
		span.RecordError(err)
		return nil
	}

	if err := m.sender.Send(ctx, m.message(acc, raw)); err != nil {
		m.metrics.Reset("request", "error")
		m.logger.Error("reset_mail_failed", map[string]any{"account_id": acc.ID, "error": err.Error()})
		span.RecordError(err)
		return nil
	}

	m.metrics.Reset("request", "issued")
	m.logger.Info("reset_ticket_issued", map[string]any{
		"account_id": acc.ID,
		"ticket":     observability.ShortID(hash),
		"expires_at": ticket.ExpiresAt,
	})
	return nil
}

// Redeem consumes the ticket and sets the new password. A ticket that is
// unknown, expired or already used fails with TokenInvalid. Validation
// failures leave the ticket usable.
func (m *Manager) Redeem(ctx context.Context, in RedeemInput) error {
	ctx, span := m.tracer.Start(ctx, "reset.Redeem")
	defer span.End()

	raw := strings.TrimSpace(in.Token)
	if raw == "" {
		m.metrics.Reset("redeem", "invalid")
		return fail(span, autherr.TokenInvalid("reset token is missing"))
	}
	if in.Password != in.PasswordConfirm {
		m.metrics.Reset("redeem", "invalid_input")
		return fail(span, autherr.Validation("invalid password", map[string]string{
			"password_confirm": "passwords do not match",
		}))
	}
	if err := m.accounts.CheckPassword(account.Account{}, in.Password); err != nil {
		m.metrics.Reset("redeem", "invalid_input")
		return fail(span, err)
	}

	hash := HashTicket(raw)
	ticket, err := m.tickets.TakeTicket(ctx, hash)
	if errors.Is(err, cache.ErrNotFound) {
		m.metrics.Reset("redeem", "invalid")
		return fail(span, autherr.TokenInvalid("reset token is invalid or has expired"))
	}
	if err != nil {
		m.metrics.Reset("redeem", "error")
		return fail(span, autherr.Unavailable("consume reset ticket", err))
	}
	if !m.now().Before(ticket.ExpiresAt) {
		m.metrics.Reset("redeem", "invalid")
		return fail(span, autherr.TokenInvalid("reset token is invalid or has expired"))
	}
	span.SetAttributes(attribute.String("account.id", ticket.AccountID))

	// The ticket is gone from the store; finish the update even if the
	// caller goes away so it is not lost half way.
	ctx = context.WithoutCancel(ctx)

	err = m.accounts.SetPassword(ctx, ticket.AccountID, in.Password)
	switch {
	case err == nil:
	case errors.Is(err, account.ErrNotFound):
		m.metrics.Reset("redeem", "invalid")
		return fail(span, autherr.TokenInvalid("reset token is invalid or has expired"))
	case errors.Is(err, account.ErrSessionsNotRevoked):
		m.metrics.Reset("redeem", "error")
		m.logger.Error("reset_sessions_not_revoked", map[string]any{"account_id": ticket.AccountID, "error": err.Error()})
		return fail(span, err)
	default:
		m.restore(ctx, hash, ticket)
		if autherr.KindOf(err) == autherr.KindValidation {
			m.metrics.Reset("redeem", "invalid_input")
		} else {
			m.metrics.Reset("redeem", "error")
		}
		return fail(span, err)
	}

	m.metrics.Reset("redeem", "ok")
	m.logger.Info("password_reset", map[string]any{"account_id": ticket.AccountID})
	return nil
}

func (m *Manager) restore(ctx context.Context, hash string, ticket cache.Ticket) {
	if err := m.tickets.RestoreTicket(ctx, hash, ticket); err != nil {
		m.logger.Warn("reset_ticket_restore_failed", map[string]any{
			"account_id": ticket.AccountID,
			"error":      err.Error(),
		})
	}
}

func (m *Manager) message(acc account.Account, raw string) mailer.Message {
	link := m.linkURL
	sep := "?"
	if strings.Contains(link, "?") {
		sep = "&"
	}
	link += sep + "token=" + url.QueryEscape(raw)

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", acc.DisplayName)
	b.WriteString("You requested a password reset. Use the link below to choose a new password:\n\n")
	b.WriteString(link + "\n\n")
	fmt.Fprintf(&b, "This link will expire in %s.\n\n", humanDuration(m.ttl))
	b.WriteString("If you did not request this password reset, please ignore this email.\n")

	return mailer.Message{To: acc.Email, Subject: mailSubject, Body: b.String()}
}

// HashTicket is the storage key for a raw ticket. Only this digest is ever
// stored.
func HashTicket(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newTicket() (raw, hash string, err error) {
	buf := make([]byte, ticketBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random bytes: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashTicket(raw), nil
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return d.String()
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, autherr.KindOf(err).String())
	return err
}
