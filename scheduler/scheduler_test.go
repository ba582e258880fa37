package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestTicks(t *testing.T) {
	l := New()
	var ticks atomic.Int32
	l.Every(5*time.Millisecond, func() { ticks.Add(1) })
	runLoop(t, l)

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestAfterRunsInDeadlineOrder(t *testing.T) {
	l := New()

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	l.After(40*time.Millisecond, record("late"))
	l.After(10*time.Millisecond, record("early"))
	l.Post(record("now"))
	runLoop(t, l)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"now", "early", "late"}, order)
}

func TestPostPreservesOrder(t *testing.T) {
	l := New()
	runLoop(t, l)

	results := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { results <- i })
	}
	for i := 0; i < 10; i++ {
		select {
		case got := <-results:
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	}
}

func TestTasksCanReschedule(t *testing.T) {
	l := New()
	var runs atomic.Int32

	var retry func()
	retry = func() {
		if runs.Add(1) < 3 {
			l.After(time.Millisecond, retry)
		}
	}
	l.Post(retry)
	runLoop(t, l)

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, l.Pending())
}

func TestTicksAndTasksDoNotOverlap(t *testing.T) {
	l := New()
	var busy, overlaps, calls atomic.Int32

	work := func() {
		if !busy.CompareAndSwap(0, 1) {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		calls.Add(1)
		busy.Store(0)
	}
	l.Every(time.Millisecond, work)
	for i := 0; i < 20; i++ {
		l.After(time.Duration(i)*time.Millisecond, work)
	}
	runLoop(t, l)

	require.Eventually(t, func() bool { return calls.Load() >= 40 }, 2*time.Second, time.Millisecond)
	assert.Zero(t, overlaps.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New()
	l.After(time.Hour, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, l.Pending())
}
