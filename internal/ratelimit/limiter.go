// Package ratelimit admits or rejects attempts per client and endpoint
// category using fixed-window counters held in the shared cache.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authcore/internal/autherr"
	"authcore/internal/cache"
)

type Category string

const (
	Login          Category = "login"
	ForgotPassword Category = "forgot_password"
	ResetPassword  Category = "reset_password"
)

// Rule is a ceiling of Limit attempts per Window.
type Rule struct {
	Limit  int64         `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

func DefaultRules() map[Category]Rule {
	return map[Category]Rule{
		Login:          {Limit: 5, Window: time.Minute},
		ForgotPassword: {Limit: 3, Window: time.Minute},
		ResetPassword:  {Limit: 3, Window: time.Minute},
	}
}

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Err returns nil when allowed and a RateLimited error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return autherr.RateLimited(d.RetryAfter)
}

type Clock interface {
	Now() time.Time
}

// MonotonicClock never goes backwards: if its source steps back (NTP
// correction, a different node's clock) it keeps returning the latest value
// it has seen.
type MonotonicClock struct {
	mu     sync.Mutex
	source func() time.Time
	last   time.Time
}

func NewMonotonicClock(source func() time.Time) *MonotonicClock {
	if source == nil {
		source = time.Now
	}
	return &MonotonicClock{source: source}
}

func (c *MonotonicClock) Now() time.Time {
	now := c.source()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

type Limiter struct {
	counter cache.Counter
	rules   map[Category]Rule
	clock   Clock
}

func NewLimiter(counter cache.Counter, rules map[Category]Rule, clock Clock) *Limiter {
	merged := DefaultRules()
	for category, rule := range rules {
		if rule.Limit > 0 && rule.Window > 0 {
			merged[category] = rule
		}
	}
	if clock == nil {
		clock = NewMonotonicClock(nil)
	}
	return &Limiter{counter: counter, rules: merged, clock: clock}
}

// Rule returns the configured rule for category.
func (l *Limiter) Rule(category Category) (Rule, bool) {
	rule, ok := l.rules[category]
	return rule, ok
}

// Admit counts one attempt by clientKey against category. The counter key
// includes the window start, so windows expire on their own and the
// increment is the only write.
func (l *Limiter) Admit(ctx context.Context, clientKey string, category Category) (Decision, error) {
	rule, ok := l.rules[category]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown category %q", category)
	}

	now := l.clock.Now()
	windowStart := now.Truncate(rule.Window)
	windowEnd := windowStart.Add(rule.Window)

	key := fmt.Sprintf("rl:%s:%s:%d", category, clientKey, windowStart.UnixMilli())
	count, err := l.counter.Increment(ctx, key, rule.Window)
	if err != nil {
		return Decision{}, autherr.Unavailable("rate limiter unavailable", err)
	}

	decision := Decision{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-count, 0),
		ResetAt:   windowEnd,
	}
	if !decision.Allowed {
		decision.RetryAfter = retryAfter(windowEnd.Sub(now))
	}
	return decision, nil
}

// retryAfter rounds up to whole seconds, never below one.
func retryAfter(remaining time.Duration) time.Duration {
	seconds := (remaining + time.Second - 1) / time.Second
	if seconds < 1 {
		seconds = 1
	}
	return seconds * time.Second
}
