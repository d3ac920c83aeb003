package auth

import (
	"context"
	"net/http"
	"strconv"

	"authcore/internal/observability"
	"authcore/internal/ratelimit"
)

// Admitter decides whether a client may make another attempt.
type Admitter interface {
	Admit(ctx context.Context, clientKey string, category ratelimit.Category) (ratelimit.Decision, error)
}

// RateLimiter guards endpoints with the shared fixed-window limiter, keyed
// by client address.
type RateLimiter struct {
	limiter    Admitter
	trustProxy bool
	logger     *observability.Logger
	metrics    *observability.Metrics
}

func NewRateLimiter(limiter Admitter, trustProxy bool, logger *observability.Logger, metrics *observability.Metrics) *RateLimiter {
	return &RateLimiter{limiter: limiter, trustProxy: trustProxy, logger: logger, metrics: metrics}
}

func (l *RateLimiter) Middleware(category ratelimit.Category, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := observability.ClientIP(r, l.trustProxy)

		decision, err := l.limiter.Admit(r.Context(), client, category)
		if err != nil {
			respondError(w, r, l.logger, err)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))

		if !decision.Allowed {
			l.metrics.RateLimited(string(category))
			l.logger.Warn("rate_limited", map[string]any{
				"category":    string(category),
				"client":      client,
				"retry_after": decision.RetryAfter.String(),
			})
			respondError(w, r, l.logger, decision.Err())
			return
		}

		next.ServeHTTP(w, r)
	})
}
