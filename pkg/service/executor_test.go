package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkrstev/promptflow/pkg/models"
	"github.com/dkrstev/promptflow/pkg/retry"
	"github.com/dkrstev/promptflow/pkg/service"
	"github.com/dkrstev/promptflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Exponential{Initial: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: maxAttempts}
}

func TestStepExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("PersistsSuccessfulOutput", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, fastPolicy(3), time.Second, logger{})

		out, err := exec.Execute(ctx, "r1", "analyze", json.RawMessage(`{"prompt":"x"}`), func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"intent":"draft"}`), nil
		})
		assert.NoError(t, err)
		assert.JSONEq(t, `{"intent":"draft"}`, string(out))

		stored, ok, err := store.GetStepResult("r1", "analyze")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.JSONEq(t, `{"intent":"draft"}`, string(stored))
	})

	t.Run("ReplaySkipsWork", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, fastPolicy(3), time.Second, logger{})
		assert.NoError(t, store.PutStepResult("r1", "analyze", json.RawMessage(`{"cached":true}`)))

		invoked := false
		out, err := exec.Execute(ctx, "r1", "analyze", nil, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			invoked = true
			return json.RawMessage(`{"cached":false}`), nil
		})
		assert.NoError(t, err)
		assert.False(t, invoked)
		assert.JSONEq(t, `{"cached":true}`, string(out))
	})

	t.Run("RetriesThenSucceeds", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, fastPolicy(3), time.Second, logger{})

		calls := 0
		out, err := exec.Execute(ctx, "r1", "select-strategy", nil, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("model unavailable")
			}
			return json.RawMessage(`{"technique":"Role-Prompting"}`), nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.JSONEq(t, `{"technique":"Role-Prompting"}`, string(out))

		attempts, err := store.ListStepAttempts("r1")
		assert.NoError(t, err)
		assert.Len(t, attempts, 3)
		assert.Equal(t, models.FailedStepAttemptStatus, attempts[0].Status)
		assert.Equal(t, models.FailedStepAttemptStatus, attempts[1].Status)
		assert.Equal(t, models.SucceededStepAttemptStatus, attempts[2].Status)
	})

	t.Run("ExhaustsRetryCap", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, fastPolicy(3), time.Second, logger{})

		calls := 0
		_, err := exec.Execute(ctx, "r1", "generate", nil, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, errors.New("always broken")
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)

		var stepErr *service.StepError
		assert.True(t, errors.As(err, &stepErr))
		assert.Equal(t, "generate", stepErr.Step)
		assert.Equal(t, 3, stepErr.Attempts)
		assert.Contains(t, stepErr.Err.Error(), "always broken")

		_, ok, getErr := store.GetStepResult("r1", "generate")
		assert.NoError(t, getErr)
		assert.False(t, ok)
	})

	t.Run("PermanentErrorFailsFirstAttempt", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, fastPolicy(5), time.Second, logger{})

		calls := 0
		_, err := exec.Execute(ctx, "r1", "analyze", nil, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, retry.Permanent(errors.New("malformed input"))
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)

		var stepErr *service.StepError
		assert.True(t, errors.As(err, &stepErr))
		assert.Equal(t, 1, stepErr.Attempts)
	})

	t.Run("AttemptTimeoutIsRetryable", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, fastPolicy(2), 20*time.Millisecond, logger{})

		calls := 0
		_, err := exec.Execute(ctx, "r1", "analyze", nil, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			calls++
			<-ctx.Done()
			return nil, ctx.Err()
		})
		assert.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.Contains(t, err.Error(), "context deadline exceeded")
	})

	t.Run("ConcurrentAttemptsConvergeOnOneResult", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, fastPolicy(3), time.Second, logger{})

		var started sync.WaitGroup
		release := make(chan struct{})
		var invocations int32

		work := func(output string) service.StepFunc {
			return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				atomic.AddInt32(&invocations, 1)
				started.Done()
				<-release
				return json.RawMessage(output), nil
			}
		}

		started.Add(2)
		results := make(chan json.RawMessage, 2)
		errs := make(chan error, 2)
		for _, output := range []string{`{"winner":"a"}`, `{"winner":"b"}`} {
			go func(output string) {
				out, err := exec.Execute(ctx, "r1", "generate", nil, work(output))
				results <- out
				errs <- err
			}(output)
		}
		started.Wait()
		close(release)

		first := <-results
		second := <-results
		assert.NoError(t, <-errs)
		assert.NoError(t, <-errs)

		// both callers observe the single stored result
		assert.Equal(t, int32(2), atomic.LoadInt32(&invocations))
		assert.JSONEq(t, string(first), string(second))

		stored, ok, err := store.GetStepResult("r1", "generate")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.JSONEq(t, string(first), string(stored))
	})

	t.Run("CancelledDuringBackoff", func(t *testing.T) {
		store := storage.NewMemoryStore()
		exec := service.NewStepExecutor(store, retry.Exponential{Initial: time.Hour, MaxAttempts: 5}, time.Second, logger{})

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err := exec.Execute(cancelCtx, "r1", "analyze", nil, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("transient")
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "context canceled")
	})
}
