package ai

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// RetryPolicy bounds how upstream model calls are retried: at most
// MaxAttempts calls with exponential delays starting at BaseDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = uint64(p.MaxAttempts - 1)
	}
	b := retry.WithMaxRetries(retries, retry.NewExponential(base))
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return b
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the context ends,
// or the attempts are used up. The last error is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.RetryableError(err)
	})
	return err
}

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// RetryingEmbedder retries failed batches under a RetryPolicy.
type RetryingEmbedder struct {
	next   Embedder
	policy RetryPolicy
	log    *zap.Logger
}

func NewRetryingEmbedder(next Embedder, policy RetryPolicy, log *zap.Logger) *RetryingEmbedder {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryingEmbedder{next: next, policy: policy, log: log}
}

func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	attempt := 0
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		vectors, err := r.next.EmbedBatch(ctx, texts)
		if err != nil {
			r.log.Warn("embedding attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("inputs", len(texts)),
				zap.Error(err),
			)
			return err
		}
		out = vectors
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
