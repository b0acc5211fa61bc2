package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify window execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frommybrain/fatebox/pkg/types"
)

func okTask(id types.BoxID) Task {
	return Task{ID: id, Run: func(context.Context) error { return nil }}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(context.Background(), 5))
	assert.Equal(t, 5, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(context.Background(), 4))

	pool.Stop()
}

func TestPoolStart_NeedsWorkers(t *testing.T) {
	assert.Error(t, NewPool(1).Start(context.Background(), 0))
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	for i := 1; i <= 10; i++ {
		require.NoError(t, pool.Submit(okTask(types.BoxID(i))))
	}

	seen := make(map[types.BoxID]bool)
	for i := 0; i < 10; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, r.Success)
		seen[r.BoxID] = true
	}
	assert.Len(t, seen, 10)
}

// ============================================================================
// Window Tests
// ============================================================================

func TestRunWindow_ResultsInTaskOrder(t *testing.T) {
	pool := NewPool(5)
	require.NoError(t, pool.Start(context.Background(), 5))
	defer pool.Stop()

	boom := errors.New("boom")
	tasks := make([]Task, 5)
	for i := range tasks {
		id := types.BoxID(i + 1)
		delay := time.Duration(5-i) * 5 * time.Millisecond
		tasks[i] = Task{ID: id, Run: func(context.Context) error {
			time.Sleep(delay)
			if id == 3 {
				return boom
			}
			return nil
		}}
	}

	results, err := pool.RunWindow(tasks)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, types.BoxID(i+1), r.BoxID)
	}
	assert.ErrorIs(t, results[2].Error, boom)
	assert.False(t, results[2].Success)
	assert.True(t, results[0].Success)
}

// 每個窗口的任務全部完成後下一個窗口才開始
func TestRunWindow_WindowsDoNotOverlap(t *testing.T) {
	pool := NewPool(5)
	require.NoError(t, pool.Start(context.Background(), 5))
	defer pool.Stop()

	var inFlight, maxInFlight atomic.Int32
	task := func(id types.BoxID) Task {
		return Task{ID: id, Run: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}

	for w := 0; w < 3; w++ {
		window := []Task{task(1), task(2), task(3), task(4), task(5)}
		_, err := pool.RunWindow(window)
		require.NoError(t, err)
		assert.Equal(t, int32(0), inFlight.Load(), "window %d left tasks running", w)
	}
	assert.LessOrEqual(t, maxInFlight.Load(), int32(5))
}

func TestRunWindow_TooLarge(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(context.Background(), 2))
	defer pool.Stop()

	_, err := pool.RunWindow([]Task{okTask(1), okTask(2), okTask(3)})
	assert.ErrorIs(t, err, ErrWindowTooLarge)
}

func TestRunWindow_DuplicateIDs(t *testing.T) {
	pool := NewPool(3)
	require.NoError(t, pool.Start(context.Background(), 3))
	defer pool.Stop()

	results, err := pool.RunWindow([]Task{okTask(7), okTask(7)})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

// ============================================================================
// Timeout & Failure Tests
// ============================================================================

func TestTimeout(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: 1, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	r, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Error, context.DeadlineExceeded)
}

func TestPanicIsReported(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	results, err := pool.RunWindow([]Task{
		{ID: 1, Run: func(context.Context) error { panic("bad box") }},
		okTask(2),
	})
	require.NoError(t, err)
	assert.ErrorContains(t, results[0].Error, "bad box")
	assert.True(t, results[1].Success, "worker must survive a panicking task")
}

func TestNilRun(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	results, err := pool.RunWindow([]Task{{ID: 4}})
	require.NoError(t, err)
	assert.Error(t, results[0].Error)
}

func TestParentCancelReachesTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1)
	require.NoError(t, pool.Start(ctx, 1))
	defer pool.Stop()

	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: 1, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started
	cancel()

	r, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, r.Error, context.Canceled)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 3))

	var done atomic.Int32
	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.Submit(Task{ID: types.BoxID(i), Run: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
			return nil
		}}))
	}
	time.Sleep(5 * time.Millisecond)
	pool.Stop()

	assert.Equal(t, int32(3), done.Load(), "Stop should wait for running tasks")
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(1)
	assert.NotPanics(t, pool.Stop)
}

func TestSubmitBeforeStart(t *testing.T) {
	assert.ErrorIs(t, NewPool(1).Submit(okTask(1)), ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(okTask(1)), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(context.Background(), 4))
	defer pool.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, pool.Submit(okTask(types.BoxID(g*25+i))))
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

func BenchmarkRunWindow(b *testing.B) {
	pool := NewPool(5)
	_ = pool.Start(context.Background(), 5)
	defer pool.Stop()

	window := []Task{okTask(1), okTask(2), okTask(3), okTask(4), okTask(5)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pool.RunWindow(window)
	}
}
