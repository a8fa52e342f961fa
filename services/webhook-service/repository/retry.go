package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
)

// RetryPolicy bounds a store call: at most MaxAttempts tries, each limited
// to Timeout.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration
	OnRetry     func(attempt int, err error)
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 2, Timeout: 5 * time.Second, Backoff: 100 * time.Millisecond}

// IsTransient reports whether err may succeed on a second attempt. Timeouts
// count as transient; outcomes that describe the data do not.
func IsTransient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrRevisionMismatch),
		errors.Is(err, ErrInvalidPatch),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// WithRetry runs op until it succeeds, fails permanently, or the policy's
// attempts are used up. Each attempt gets its own deadline.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = runAttempt(ctx, policy.Timeout, op)
		if err == nil || !IsTransient(err) || ctx.Err() != nil || attempt == attempts {
			return result, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}
		if policy.Backoff > 0 {
			select {
			case <-ctx.Done():
				return result, err
			case <-time.After(policy.Backoff):
			}
		}
	}
	return result, err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

// RetryingStore applies the retry policy to every call of the wrapped store
// and logs a call that is still failing after its last attempt.
type RetryingStore struct {
	inner   DocumentStore
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *awspkg.MetricsClient
}

func NewRetryingStore(inner DocumentStore, policy RetryPolicy, logger *zap.Logger, metrics *awspkg.MetricsClient) *RetryingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingStore{inner: inner, policy: policy, logger: logger, metrics: metrics}
}

func retry[T any](ctx context.Context, s *RetryingStore, op string, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	policy := s.policy
	policy.OnRetry = func(attempt int, err error) {
		s.logger.Warn("Store call failed, retrying",
			zap.String("op", op), zap.String("document_id", id), zap.Int("attempt", attempt), zap.Error(err))
		_ = s.metrics.RecordCount(ctx, awspkg.MetricStoreRetry, map[string]string{"Operation": op})
	}
	result, err := WithRetry(ctx, policy, fn)
	if err != nil && IsTransient(err) {
		s.logger.Error("Store call failed after retry",
			zap.String("op", op), zap.String("document_id", id), zap.Error(err))
		_ = s.metrics.RecordCount(ctx, awspkg.MetricStoreFailure, map[string]string{"Operation": op})
	}
	return result, err
}

func (s *RetryingStore) Get(ctx context.Context, id string) (Document, error) {
	return retry(ctx, s, "get", id, func(ctx context.Context) (Document, error) {
		return s.inner.Get(ctx, id)
	})
}

func (s *RetryingStore) Create(ctx context.Context, doc Document) (Document, error) {
	return retry(ctx, s, "create", doc.ID(), func(ctx context.Context) (Document, error) {
		return s.inner.Create(ctx, doc)
	})
}

func (s *RetryingStore) CreateIfNotExists(ctx context.Context, doc Document) (bool, error) {
	return retry(ctx, s, "createIfNotExists", doc.ID(), func(ctx context.Context) (bool, error) {
		return s.inner.CreateIfNotExists(ctx, doc)
	})
}

func (s *RetryingStore) CreateOrReplace(ctx context.Context, doc Document) (Document, error) {
	return retry(ctx, s, "createOrReplace", doc.ID(), func(ctx context.Context) (Document, error) {
		return s.inner.CreateOrReplace(ctx, doc)
	})
}

func (s *RetryingStore) Delete(ctx context.Context, id string) error {
	_, err := retry(ctx, s, "delete", id, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Delete(ctx, id)
	})
	return err
}

func (s *RetryingStore) Fetch(ctx context.Context, q Query) ([]Document, error) {
	return retry(ctx, s, "fetch", q.Type, func(ctx context.Context) ([]Document, error) {
		return s.inner.Fetch(ctx, q)
	})
}

func (s *RetryingStore) Patch(id string) *Patch {
	return NewPatch(id, s)
}

// CommitPatch retries the whole read-modify-write, so a retried patch is
// re-applied to the latest revision.
func (s *RetryingStore) CommitPatch(ctx context.Context, p *Patch, opts CommitOptions) (Document, error) {
	return retry(ctx, s, "patch", p.ID(), func(ctx context.Context) (Document, error) {
		return s.inner.CommitPatch(ctx, p, opts)
	})
}
