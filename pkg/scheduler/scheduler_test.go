package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_RejectsNonPositiveInterval(t *testing.T) {
	_, err := NewJob("bad", 0, func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestJob_TicksUntilCancelled(t *testing.T) {
	var ticks atomic.Int32
	j, err := NewJob("count", 5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	}, WithImmediateStart())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	res, ok := j.LastResult()
	require.True(t, ok)
	assert.NoError(t, res.Err)
}

func TestJob_OverlappingTicksAreSkipped(t *testing.T) {
	release := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int32
	j, err := NewJob("slow", 2*time.Millisecond, func(context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			m := maxConcurrent.Load()
			if n <= m || maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return j.Skipped() >= 3 }, time.Second, time.Millisecond)
	require.ErrorIs(t, j.RunOnce(context.Background()), ErrTickInProgress)

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a tick was still in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestJob_InFlightTickIsNotCancelled(t *testing.T) {
	started := make(chan struct{})
	var tickErr atomic.Value
	j, err := NewJob("steady", time.Hour, func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			tickErr.Store(err)
		}
		return nil
	}, WithImmediateStart())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	<-started
	cancel()
	require.NoError(t, <-done)
	assert.Nil(t, tickErr.Load())
}

func TestJob_PanicAndErrorReachObservers(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	observe := func(job string, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "flaky", job)
		seen = append(seen, err)
	}

	calls := 0
	j, err := NewJob("flaky", time.Hour, func(context.Context) error {
		calls++
		switch calls {
		case 1:
			panic("kaboom")
		case 2:
			return errors.New("store down")
		}
		return nil
	}, WithObserver(observe))
	require.NoError(t, err)

	require.Error(t, j.RunOnce(context.Background()))
	require.Error(t, j.RunOnce(context.Background()))
	require.NoError(t, j.RunOnce(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.ErrorContains(t, seen[0], "panicked")
	assert.EqualError(t, seen[1], "store down")
	assert.NoError(t, seen[2])
}

func TestJob_Timeout(t *testing.T) {
	j, err := NewJob("bounded", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(5*time.Millisecond))
	require.NoError(t, err)
	require.ErrorIs(t, j.RunOnce(context.Background()), context.DeadlineExceeded)
}

func TestSupervisor_RunsAllJobsAndStops(t *testing.T) {
	var a, b atomic.Int32
	ja, err := NewJob("a", 3*time.Millisecond, func(context.Context) error { a.Add(1); return nil })
	require.NoError(t, err)
	jb, err := NewJob("b", 4*time.Millisecond, func(context.Context) error { b.Add(1); return nil })
	require.NoError(t, err)

	s := NewSupervisor(nil, ja, jb)
	assert.Len(t, s.Jobs(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Load() > 1 && b.Load() > 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestBackoff_DelayIsDeterministicAndCapped(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, MaxJitter: 50 * time.Millisecond}

	assert.Equal(t, b.Delay("store", 2), b.Delay("store", 2))
	for attempt := 0; attempt < 40; attempt++ {
		d := b.Delay("store", attempt)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, time.Second+50*time.Millisecond)
	}
	noJitter := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, noJitter.Delay("x", 0))
	assert.Equal(t, 400*time.Millisecond, noJitter.Delay("x", 2))
	assert.Equal(t, time.Second, noJitter.Delay("x", 10))
}

func TestRetry(t *testing.T) {
	fast := Backoff{Base: time.Millisecond, Max: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), fast, "connect", 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	sentinel := errors.New("refused")
	err = Retry(context.Background(), fast, "connect", 2, func(context.Context) error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Retry(ctx, Backoff{Base: time.Hour, Max: time.Hour}, "connect", 3, func(context.Context) error { return sentinel })
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, sentinel)
}
