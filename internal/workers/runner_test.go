package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

func startRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	runner := NewRunner(cfg)
	require.NoError(t, runner.Start(context.Background()))
	t.Cleanup(func() { _ = runner.Stop(2 * time.Second) })
	return runner
}

func TestRunnerExecutesTasks(t *testing.T) {
	runner := startRunner(t, Config{Workers: 2})

	var count atomic.Int32
	done := make(chan struct{})
	err := runner.Submit(context.Background(), Task{
		IdempotencyKey: "task-1",
		Run: func(ctx context.Context) error {
			count.Add(1)
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	assert.Equal(t, int32(1), count.Load())
}

func TestRunnerDedupesInflightKeys(t *testing.T) {
	runner := startRunner(t, Config{Workers: 1})

	release := make(chan struct{})
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, runner.Submit(context.Background(), Task{
		IdempotencyKey: "dup",
		Run: func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			<-release
			return nil
		},
	}))

	// Same key while the first is queued or running: dropped silently.
	require.NoError(t, runner.Submit(context.Background(), Task{
		IdempotencyKey: "dup",
		Run: func(ctx context.Context) error {
			count.Add(1)
			return nil
		},
	}))

	close(release)
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestRunnerRetriesTransientFailures(t *testing.T) {
	runner := startRunner(t, Config{Workers: 1})

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, runner.Submit(context.Background(), Task{
		IdempotencyKey: "retry",
		MaxRetries:     2,
		Run: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never succeeded")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRunnerDoesNotRetryContractViolations(t *testing.T) {
	runner := startRunner(t, Config{Workers: 1})

	var attempts atomic.Int32
	require.NoError(t, runner.Submit(context.Background(), Task{
		IdempotencyKey: "rejected",
		MaxRetries:     3,
		Run: func(ctx context.Context) error {
			attempts.Add(1)
			return core.NewError(core.KindApprovedContent, "test", "approved while queued")
		},
	}))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load(), "typed refusals do not improve on retry")
}

func TestSubmitValidation(t *testing.T) {
	runner := startRunner(t, Config{Workers: 1})
	err := runner.Submit(context.Background(), Task{IdempotencyKey: "x"})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestSubmitAfterStopFails(t *testing.T) {
	runner := NewRunner(Config{Workers: 1})
	require.NoError(t, runner.Start(context.Background()))
	require.NoError(t, runner.Stop(time.Second))

	err := runner.Submit(context.Background(), Task{
		IdempotencyKey: "late",
		Run:            func(ctx context.Context) error { return nil },
	})
	assert.True(t, core.IsKind(err, core.KindUnavailable))
}

func TestDoubleStartConflicts(t *testing.T) {
	runner := startRunner(t, Config{Workers: 1})
	err := runner.Start(context.Background())
	assert.True(t, core.IsKind(err, core.KindConflict))
}
