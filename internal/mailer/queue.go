package mailer

import (
	"context"
	"errors"
	"sync"
	"time"

	"authcore/internal/observability"

	"golang.org/x/time/rate"
)

const (
	defaultQueueSize  = 64
	defaultRatePerSec = 5
	defaultBurst      = 5
	sendTimeout       = 30 * time.Second
)

var ErrQueueFull = errors.New("mailer: queue full")

// Queue hands messages to a single background worker that delivers them
// through the wrapped Sender at a bounded rate. Queue is itself a Sender;
// its Send only enqueues.
type Queue struct {
	next    Sender
	logger  *observability.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	ch     chan Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQueue(next Sender, cfg Config, logger *observability.Logger) *Queue {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = defaultRatePerSec
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		next:    next,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		ch:      make(chan Message, size),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Send enqueues msg without waiting for delivery.
func (q *Queue) Send(_ context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to be delivered
// until ctx is done, after which the rest are dropped.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	defer q.cancel()

	for msg := range q.ch {
		if err := q.limiter.Wait(q.ctx); err != nil {
			q.logger.Warn("mail_dropped", map[string]any{"to": maskAddress(msg.To), "error": err.Error()})
			continue
		}

		ctx, cancel := context.WithTimeout(q.ctx, sendTimeout)
		err := q.next.Send(ctx, msg)
		cancel()
		if err != nil {
			q.logger.Error("mail_send_failed", map[string]any{"to": maskAddress(msg.To), "error": err.Error()})
			continue
		}
		q.logger.Debug("mail_sent", map[string]any{"to": maskAddress(msg.To)})
	}
}
