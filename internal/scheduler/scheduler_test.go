package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlaylab/parlay-core/internal/apperrors"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(cfg)
	s.Start(context.Background())
	t.Cleanup(s.Shutdown)
	return s
}

func waitForStatus(t *testing.T, s *Scheduler, execID string, want ExecutionStatus) Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := s.GetExecution(execID)
		require.NoError(t, err)
		if exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	exec, _ := s.GetExecution(execID)
	t.Fatalf("execution %s never reached %s, last status %s (%s)", execID, want, exec.Status, exec.ErrorMessage)
	return Execution{}
}

func TestRunNow_Completes(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 2})

	s.Register("double", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	}, 0, 0, 0)

	execID, err := s.RunNow("double")
	require.NoError(t, err)

	exec := waitForStatus(t, s, execID, StatusCompleted)
	assert.Equal(t, 42, exec.Result)
	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.CompletedAt)
	assert.Zero(t, exec.RetryCount)
}

func TestRunNow_UnknownTask(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})

	_, err := s.RunNow("nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestRetry_EventuallySucceeds(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 2})

	var attempts int32
	s.Register("flaky", func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, apperrors.E(apperrors.KindUnavailable, "transient failure")
		}
		return "ok", nil
	}, 3, 5*time.Millisecond, 0)

	execID, err := s.RunNow("flaky")
	require.NoError(t, err)

	exec := waitForStatus(t, s, execID, StatusCompleted)
	assert.Equal(t, "ok", exec.Result)
	assert.Equal(t, 2, exec.RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetry_ExhaustsToFailed(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 2})

	var attempts int32
	s.Register("broken", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, apperrors.E(apperrors.KindUnavailable, "always down")
	}, 2, 5*time.Millisecond, 0)

	execID, err := s.RunNow("broken")
	require.NoError(t, err)

	exec := waitForStatus(t, s, execID, StatusFailed)
	assert.Equal(t, 2, exec.RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestNoRetryForInvalidInput(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})

	var attempts int32
	s.Register("bad-input", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, apperrors.E(apperrors.KindInsufficientData, "not enough samples")
	}, 5, time.Millisecond, 0)

	execID, err := s.RunNow("bad-input")
	require.NoError(t, err)

	exec := waitForStatus(t, s, execID, StatusFailed)
	assert.Equal(t, string(apperrors.KindInsufficientData), exec.ErrorKind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "InsufficientData must not be retried")
}

func TestTimeout_FailsWithTimeoutKind(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})

	s.Register("slow", func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(2 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, 3, time.Millisecond, 20*time.Millisecond)

	execID, err := s.RunNow("slow")
	require.NoError(t, err)

	exec := waitForStatus(t, s, execID, StatusFailed)
	assert.Equal(t, string(apperrors.KindTimeout), exec.ErrorKind)
	assert.Zero(t, exec.RetryCount, "timeouts are terminal, not retried")
}

func TestQueueFull(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1, QueueDepth: 1})

	release := make(chan struct{})
	s.Register("blocker", func(ctx context.Context) (interface{}, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}, 0, 0, 0)
	defer close(release)

	// First fills the worker, second fills the queue; eventually a RunNow
	// must be rejected with QueueFull.
	var sawQueueFull bool
	for i := 0; i < 10; i++ {
		if _, err := s.RunNow("blocker"); err != nil {
			assert.Equal(t, apperrors.KindQueueFull, apperrors.KindOf(err))
			sawQueueFull = true
			break
		}
	}
	assert.True(t, sawQueueFull, "expected a QueueFull rejection")
}

func TestScheduleOnce(t *testing.T) {
	s := New(Config{Workers: 1, TickInterval: 20 * time.Millisecond})
	s.Start(context.Background())
	defer s.Shutdown()

	var ran int32
	s.Register("once", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}, 0, 0, 0)

	_, err := s.ScheduleOnce("once", 10*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// One-shot: never fires again.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestSchedulePeriodic_SingleFlight(t *testing.T) {
	s := New(Config{Workers: 4, TickInterval: 15 * time.Millisecond})
	s.Start(context.Background())
	defer s.Shutdown()

	var running int32
	var overlapped int32
	s.Register("periodic", func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&overlapped, 1)
		}
		defer atomic.AddInt32(&running, -1)
		time.Sleep(60 * time.Millisecond) // longer than the interval
		return nil, nil
	}, 0, 0, 0)

	_, err := s.SchedulePeriodic("periodic", 0, 15*time.Millisecond, 0)
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&overlapped), "periodic executions must not overlap")
}

func TestSetEnabled(t *testing.T) {
	s := New(Config{Workers: 1, TickInterval: 15 * time.Millisecond})
	s.Start(context.Background())
	defer s.Shutdown()

	var ran int32
	s.Register("toggled", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}, 0, 0, 0)

	id, err := s.SchedulePeriodic("toggled", 0, 15*time.Millisecond, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(id, false))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&ran), "disabled schedule must not fire")

	require.NoError(t, s.SetEnabled(id, true))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, s.SetEnabled("missing", true))
}
