package logistics

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ofs/internal/model"
)

// Retrying bounds every call with a timeout and retries task creation and
// cancellation on transient failures. Serviceability checks are not retried.
type Retrying struct {
	next       Gateway
	attempts   uint64
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

type RetryOption func(*Retrying)

func WithAttempts(n int) RetryOption {
	return func(r *Retrying) {
		if n > 0 {
			r.attempts = uint64(n)
		}
	}
}

func WithCallTimeout(d time.Duration) RetryOption { return func(r *Retrying) { r.timeout = d } }
func WithBackOff(fn func() backoff.BackOff) RetryOption { return func(r *Retrying) { r.newBackOff = fn } }
func WithLogger(l *zap.Logger) RetryOption { return func(r *Retrying) { r.logger = l } }

func NewRetrying(next Gateway, opts ...RetryOption) *Retrying {
	r := &Retrying{
		next:     next,
		attempts: 3,
		timeout:  10 * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Retrying) CheckServiceability(ctx context.Context, ref Ref) (Serviceability, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.next.CheckServiceability(ctx, ref)
	return out, transient(err, "check serviceability")
}

func (r *Retrying) CreateTask(ctx context.Context, ref Ref) (TaskResult, error) {
	return r.retry(ctx, "create task", ref, r.next.CreateTask)
}

func (r *Retrying) CancelTask(ctx context.Context, ref Ref) (TaskResult, error) {
	return r.retry(ctx, "cancel task", ref, r.next.CancelTask)
}

func (r *Retrying) retry(ctx context.Context, op string, ref Ref, call func(context.Context, Ref) (TaskResult, error)) (TaskResult, error) {
	var out TaskResult
	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		res, err := call(cctx, ref)
		if err != nil {
			err = transient(err, op)
			if !errors.Is(err, model.ErrUpstreamUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.attempts-1), ctx)
	err := backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		r.logger.Warn("logistics call retry",
			zap.String("op", op), zap.String("split_id", ref.SplitID), zap.Duration("wait", wait), zap.Error(err))
	})
	return out, err
}

// transient turns a bare deadline into an upstream failure so callers see one classification.
func transient(err error, op string) error {
	if err == nil || errors.Is(err, model.ErrUpstreamUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.UpstreamError{Service: "logistics", Op: op, Err: err}
	}
	return err
}
