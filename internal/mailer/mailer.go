// Package mailer delivers outbound messages such as password-reset links.
package mailer

import (
	"context"
	"errors"
	"strings"

	"authcore/internal/observability"
)

var ErrQueueClosed = errors.New("mailer: queue closed")

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Config struct {
	RelayURL   string  `koanf:"relay_url"`
	RelayToken string  `koanf:"relay_token"`
	From       string  `koanf:"from"`
	ResetURL   string  `koanf:"reset_url"`
	RatePerSec float64 `koanf:"rate_per_sec"`
	Burst      int     `koanf:"burst"`
	QueueSize  int     `koanf:"queue_size"`
}

// LogSender records that a message would have been sent. Only the recipient
// and subject are written; bodies may carry reset links.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("mail_logged", map[string]any{
		"to":      maskAddress(msg.To),
		"subject": msg.Subject,
	})
	return nil
}

// NewSender picks the relay when one is configured and the log sender
// otherwise.
func NewSender(cfg Config, logger *observability.Logger) (Sender, error) {
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return NewLogSender(logger), nil
	}
	return NewRelaySender(cfg.RelayURL, cfg.RelayToken, cfg.From)
}

func maskAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
