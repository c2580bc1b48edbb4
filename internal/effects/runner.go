// Package effects runs post-commit side effects (notifications, upstream confirmations,
// transition events) off the caller's path with bounded queueing and optional retry.
package effects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ofs/internal/metrics"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("effects runner closed")

// Effect is one unit of work. Fn receives a context bounded by the runner's timeout.
type Effect struct {
	Name string
	// Ref identifies the split or order the effect belongs to, for logs.
	Ref   string
	Retry bool
	Fn    func(ctx context.Context) error
}

// Submitter accepts effects for asynchronous execution.
type Submitter interface {
	Submit(e Effect) bool
}

type Runner struct {
	queue      chan Effect
	workers    int
	attempts   uint64
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
	metrics    *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *zap.Logger) Option { return func(r *Runner) { r.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(r *Runner) { r.metrics = m } }

// WithAttempts bounds the number of tries for effects marked Retry.
func WithAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.attempts = uint64(n)
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }

// WithBackOff replaces the exponential policy used between retries.
func WithBackOff(fn func() backoff.BackOff) Option { return func(r *Runner) { r.newBackOff = fn } }

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// NewRunner starts workers goroutines draining a queue of size queue.
func NewRunner(workers, queue int, opts ...Option) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		queue:      make(chan Effect, queue),
		workers:    workers,
		attempts:   3,
		timeout:    5 * time.Second,
		newBackOff: defaultBackOff,
		logger:     zap.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(r)
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Submit enqueues e without blocking. A full queue or a closed runner drops the
// effect; the drop is logged and counted.
func (r *Runner) Submit(e Effect) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped(e, "runner closed")
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.dropped(e, "queue full")
		return false
	}
}

// Close stops accepting effects and waits for queued ones to finish. When ctx
// expires first, in-flight effects are cancelled and ctx.Err() is returned.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for e := range r.queue {
		r.run(e)
	}
}

func (r *Runner) run(e Effect) {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
		return e.Fn(ctx)
	}
	var err error
	if e.Retry && r.attempts > 1 {
		b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.attempts-1), r.ctx)
		err = backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
			if r.metrics != nil {
				r.metrics.SideEffectRetries.Inc()
			}
			r.logger.Warn("side effect retry",
				zap.String("effect", e.Name), zap.String("ref", e.Ref), zap.Duration("wait", wait), zap.Error(err))
		})
	} else {
		err = attempt()
	}
	if err != nil {
		r.logger.Error("side effect failed", zap.String("effect", e.Name), zap.String("ref", e.Ref), zap.Error(err))
	}
}

func (r *Runner) dropped(e Effect, reason string) {
	if r.metrics != nil {
		r.metrics.SideEffectDropped.Inc()
	}
	r.logger.Error("side effect dropped", zap.String("effect", e.Name), zap.String("ref", e.Ref), zap.String("reason", reason))
}

// Inline runs effects synchronously on the caller's goroutine, without retry.
// Command line tools use it where nothing outlives the call.
type Inline struct {
	Logger *zap.Logger
}

func (i Inline) Submit(e Effect) bool {
	if err := e.Fn(context.Background()); err != nil && i.Logger != nil {
		i.Logger.Error("side effect failed", zap.String("effect", e.Name), zap.String("ref", e.Ref), zap.Error(err))
	}
	return true
}
