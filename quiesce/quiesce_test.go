package quiesce

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateBlocksReadersWhileClosed(t *testing.T) {
	t.Parallel()

	g := NewGate(5 * time.Millisecond)
	require.NoError(t, g.Close(context.Background()))

	var entered atomic.Bool
	done := make(chan struct{})
	go func() {
		g.Enter()
		entered.Store(true)
		g.Exit()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, entered.Load())

	g.Open()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader not admitted after Open")
	}
	assert.True(t, entered.Load())
}

func TestGateCloseWaitsForInFlightReads(t *testing.T) {
	t.Parallel()

	g := NewGate(time.Millisecond)
	g.Enter()

	closed := make(chan struct{})
	go func() {
		_ = g.Close(context.Background())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("gate closed with a read in flight")
	case <-time.After(20 * time.Millisecond):
	}
	g.Exit()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("gate did not close after the read finished")
	}
	g.Open()
}

func TestGateCloseHonorsContext(t *testing.T) {
	t.Parallel()

	g := NewGate(time.Hour)
	g.Enter()
	g.Exit()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Close(ctx), context.DeadlineExceeded)

	// The gate is still open.
	g.Enter()
	g.Exit()
}

func TestTaskQueuePause(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(4)
	defer q.Close()

	var iterations atomic.Int64
	stop := make(chan struct{})
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			q.Drain()
			iterations.Add(1)
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, q.Pause(context.Background()))
	paused := iterations.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, paused, iterations.Load(), "control loop ran while paused")

	q.Resume()
	require.Eventually(t, func() bool { return iterations.Load() > paused }, time.Second, time.Millisecond)

	close(stop)
	<-loopDone
}

func TestTaskQueuePauseTimesOutWithoutLoop(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Pause(ctx), context.DeadlineExceeded)

	// The stale pause task must not block a later drain.
	done := make(chan struct{})
	go func() {
		q.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain blocked on a released pause")
	}

	q.Close()
	assert.ErrorIs(t, q.Post(context.Background(), func() {}), ErrQueueClosed)
}

func TestNopHost(t *testing.T) {
	t.Parallel()

	var h Host = Nop{}
	require.NoError(t, h.Pause(context.Background()))
	h.Resume()
}
