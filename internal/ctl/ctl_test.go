package ctl

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

// gate blocks an action body until opened.
type gate struct {
	entered chan struct{}
	open    chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), open: make(chan struct{})}
}

func (g *gate) fn(val int, err error) Func[int] {
	return func(context.Context) (int, error) {
		g.entered <- struct{}{}
		<-g.open
		return val, err
	}
}

func TestCollapseSharesOneExecution(t *testing.T) {
	a := New[int]("stat")
	g := newGate()
	ctx := context.Background()

	const callers = 10
	results := make(chan int, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := a.Do(ctx, g.fn(42, nil))
		require.NoError(t, err)
		results <- v
	}()
	<-g.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.Do(ctx, g.fn(-1, nil))
			require.NoError(t, err)
			results <- v
		}()
	}
	// Let the joiners reach the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(g.open)
	wg.Wait()
	close(results)

	for v := range results {
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, int64(1), a.Executions())
}

func TestCollapseSharesErrors(t *testing.T) {
	a := New[int]("scan")
	g := newGate()
	boom := errors.New("boom")

	errs := make(chan error, 2)
	go func() {
		_, err := a.Do(context.Background(), g.fn(0, boom))
		errs <- err
	}()
	<-g.entered
	go func() {
		_, err := a.Do(context.Background(), g.fn(0, nil))
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(g.open)

	assert.ErrorIs(t, <-errs, boom)
	assert.ErrorIs(t, <-errs, boom)
	assert.Equal(t, int64(1), a.Executions())
}

func TestCollapseRunsAgainAfterCompletion(t *testing.T) {
	a := New[int]("stat")
	var n int32
	fn := func(context.Context) (int, error) {
		return int(atomic.AddInt32(&n, 1)), nil
	}

	v1, err := a.Do(context.Background(), fn)
	require.NoError(t, err)
	v2, err := a.Do(context.Background(), fn)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, int64(2), a.Executions())
}

func TestOnceReplaysOutcome(t *testing.T) {
	boom := errors.New("boom")
	a := New[int]("init", WithMode(Once))
	var n int32
	fn := func(context.Context) (int, error) {
		atomic.AddInt32(&n, 1)
		return 7, boom
	}

	for i := 0; i < 3; i++ {
		v, err := a.Do(context.Background(), fn)
		assert.Equal(t, 7, v)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&n))
	assert.Equal(t, int64(1), a.Executions())
}

func TestPendingCoalescesFollowUps(t *testing.T) {
	a := New[int]("save", WithMode(Pending))
	first := newGate()
	ctx := context.Background()

	done := make(chan int, 1)
	go func() {
		v, err := a.Do(ctx, first.fn(1, nil))
		require.NoError(t, err)
		done <- v
	}()
	<-first.entered

	var followUps int32
	const m = 5
	results := make(chan int, m)
	for i := 0; i < m; i++ {
		i := i
		go func() {
			v, err := a.Do(ctx, func(context.Context) (int, error) {
				atomic.AddInt32(&followUps, 1)
				return 100 + i, nil
			})
			require.NoError(t, err)
			results <- v
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(first.open)

	assert.Equal(t, 1, <-done)
	var got []int
	for i := 0; i < m; i++ {
		got = append(got, <-results)
	}
	for _, v := range got[1:] {
		assert.Equal(t, got[0], v)
	}
	assert.GreaterOrEqual(t, got[0], 100)
	assert.Equal(t, int32(1), atomic.LoadInt32(&followUps))
	assert.Equal(t, int64(2), a.Executions())
}

func TestCanceledCallerDoesNotCancelExecution(t *testing.T) {
	a := New[int]("stat")
	g := newGate()

	var sawCancel atomic.Bool
	fn := func(ctx context.Context) (int, error) {
		g.entered <- struct{}{}
		<-g.open
		sawCancel.Store(ctx.Err() != nil)
		return 3, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := a.Do(ctx, fn)
		errs <- err
	}()
	<-g.entered
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(g.open)
	require.Eventually(t, func() bool { return !a.Running() }, time.Second, time.Millisecond)
	assert.False(t, sawCancel.Load())
}

func TestMisusePanics(t *testing.T) {
	assert.Panics(t, func() {
		New[int]("x", WithMode(Once), WithMode(Pending))
	})
	assert.Panics(t, func() {
		_, _ = New[int]("x").Do(context.Background(), nil)
	})
	assert.Panics(t, func() {
		New[int]("x", WithCond(nil, "synced"))
	})
}
