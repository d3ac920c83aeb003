package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
)

// RelaySender posts messages as JSON to an HTTP mail relay.
type RelaySender struct {
	endpoint   string
	token      string
	from       string
	httpClient *http.Client
}

type relayRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type relayResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewRelaySender(rawURL, token, from string) (*RelaySender, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("invalid relay scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("relay url has no host")
	}

	return &RelaySender{
		endpoint: parsed.String(),
		token:    strings.TrimSpace(token),
		from:     strings.TrimSpace(from),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

func (s *RelaySender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("message has no recipient")
	}

	payload, err := json.Marshal(relayRequest{
		From:    s.from,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return oops.Code("MAIL_RELAY_UNREACHABLE").With("endpoint", s.endpoint).Wrap(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed relayResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
			return oops.Code("MAIL_RELAY_REJECTED").With("status", resp.StatusCode).Errorf("relay rejected message: %s", parsed.Error.Message)
		}
		return oops.Code("MAIL_RELAY_REJECTED").With("status", resp.StatusCode).Errorf("relay rejected message with status %d", resp.StatusCode)
	}

	return nil
}
