package repository_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

var errUnavailable = errors.New("store unavailable")

func fastPolicy() repository.RetryPolicy {
	return repository.RetryPolicy{MaxAttempts: 2, Timeout: time.Second}
}

func TestWithRetry_RetriesTransientOnce(t *testing.T) {
	calls := 0
	v, err := repository.WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errUnavailable
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_GivesUpAfterSecondFailure(t *testing.T) {
	calls := 0
	_, err := repository.WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errUnavailable
	})
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	for _, perm := range []error{repository.ErrNotFound, repository.ErrConflict, repository.ErrRevisionMismatch} {
		calls := 0
		_, err := repository.WithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("wrapped: %w", perm)
		})
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, calls, perm.Error())
	}
}

func TestWithRetry_TimeoutIsTransient(t *testing.T) {
	calls := 0
	policy := repository.RetryPolicy{MaxAttempts: 2, Timeout: 10 * time.Millisecond}
	_, err := repository.WithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

// flakyStore fails the first n calls of every operation with errUnavailable.
type flakyStore struct {
	*repository.MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return errUnavailable
	}
	return nil
}

func (f *flakyStore) Create(ctx context.Context, doc repository.Document) (repository.Document, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.Create(ctx, doc)
}

func (f *flakyStore) CommitPatch(ctx context.Context, p *repository.Patch, opts repository.CommitOptions) (repository.Document, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.CommitPatch(ctx, p, opts)
}

func TestRetryingStore_RecoversFromOneFailure(t *testing.T) {
	inner := &flakyStore{MemoryStore: repository.NewMemoryStore(), failures: 1}
	store := repository.NewRetryingStore(inner, fastPolicy(), zap.NewNop(), nil)

	_, err := store.Create(context.Background(), repository.Document{"_id": "a", "_type": "t"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryingStore_LogsSecondFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	inner := &flakyStore{MemoryStore: repository.NewMemoryStore(), failures: 10}
	_, err := inner.MemoryStore.Create(context.Background(), repository.Document{"_id": "a", "_type": "t"})
	require.NoError(t, err)
	store := repository.NewRetryingStore(inner, fastPolicy(), zap.New(core), nil)

	_, err = store.Patch("a").Set(map[string]any{"x": 1}).Commit(context.Background(), repository.CommitOptions{})
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 1, logs.FilterMessage("Store call failed, retrying").Len())
	assert.Equal(t, 1, logs.FilterMessage("Store call failed after retry").Len())
}
