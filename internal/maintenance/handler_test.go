package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authcore/internal/cache"
	"authcore/internal/cache/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingMaintainer struct{}

func (failingMaintainer) Compact(context.Context) (cache.CompactResult, error) {
	return cache.CompactResult{Backend: "badger"}, errors.New("gc failed")
}

func call(h *CleanupHandler, method, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestCleanupDisabledWithoutSecret(t *testing.T) {
	h := NewCleanupHandler(failingMaintainer{}, nil, "  ")
	assert.Equal(t, http.StatusNotFound, call(h, http.MethodPost, "Bearer anything").Code)
}

func TestCleanupRequiresSecret(t *testing.T) {
	h := NewCleanupHandler(failingMaintainer{}, nil, "cron-secret")

	for _, header := range []string{"", "Bearer wrong", "Basic cron-secret", "cron-secret"} {
		assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, header).Code, header)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, call(h, http.MethodDelete, "Bearer cron-secret").Code)
}

func TestCleanupCompactsBackend(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memory.New(0, memory.WithClock(clock))
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.PutTicket(ctx, "h1", cache.Ticket{AccountID: "a", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}))
	_, err := store.Increment(ctx, "rl:login:1.2.3.4:0", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	h := NewCleanupHandler(store, nil, "cron-secret")
	rec := call(h, http.MethodGet, "Bearer cron-secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string              `json:"status"`
		Result cache.CompactResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, cache.CompactResult{Backend: "memory", Removed: 2}, body.Result)
}

func TestCleanupReportsFailure(t *testing.T) {
	h := NewCleanupHandler(failingMaintainer{}, nil, "cron-secret")
	assert.Equal(t, http.StatusInternalServerError, call(h, http.MethodPost, "Bearer cron-secret").Code)
}
