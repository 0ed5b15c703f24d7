package stopper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentkit/parent/internal/c"
	"github.com/parentkit/parent/internal/spawner"
)

func spawnBlocking(t *testing.T, sp *spawner.Spawner, shutdown c.Shutdown) *c.Child {
	t.Helper()
	spec := c.ChildSpec{
		Start: func(ctx context.Context, notify c.NotifyStartFn) error {
			notify(nil)
			<-ctx.Done()
			return nil
		},
		Shutdown: shutdown,
		Timeout:  c.NoTimeout,
	}
	rec, outcome, err := sp.Spawn(spec, nil, func(c.Handle, error) {})
	require.NoError(t, err)
	require.Equal(t, c.Started, outcome)
	return rec
}

func TestStop_GracefulExitWithinDeadline(t *testing.T) {
	sp := spawner.New()
	rec := spawnBlocking(t, sp, c.Timeout(time.Second))

	results := Stop([]*c.Child{rec}, nil)
	assert.ErrorIs(t, results[rec.Handle], c.ErrShutdown)
}

func TestStop_EscalatesToKillOnDeadlineMiss(t *testing.T) {
	sp := spawner.New()
	spec := c.ChildSpec{
		Start: func(ctx context.Context, notify c.NotifyStartFn) error {
			notify(nil)
			<-ctx.Done()
			time.Sleep(200 * time.Millisecond)
			return nil
		},
		Shutdown: c.Timeout(10 * time.Millisecond),
		Timeout:  c.NoTimeout,
	}
	rec, outcome, err := sp.Spawn(spec, nil, func(c.Handle, error) {})
	require.NoError(t, err)
	require.Equal(t, c.Started, outcome)

	results := Stop([]*c.Child{rec}, nil)
	assert.ErrorIs(t, results[rec.Handle], c.ErrKilled)

	<-rec.Done
}

func TestStop_KillStrategyIsImmediate(t *testing.T) {
	sp := spawner.New()
	rec := spawnBlocking(t, sp, c.Kill)

	results := Stop([]*c.Child{rec}, nil)
	assert.ErrorIs(t, results[rec.Handle], c.ErrKilled)
}

func TestStop_InfiniteStrategyWaitsForExit(t *testing.T) {
	sp := spawner.New()
	rec := spawnBlocking(t, sp, c.Inf)

	results := Stop([]*c.Child{rec}, nil)
	assert.ErrorIs(t, results[rec.Handle], c.ErrShutdown)
}

func TestStop_CallsForgetBeforeSignalling(t *testing.T) {
	sp := spawner.New()
	rec := spawnBlocking(t, sp, c.Timeout(time.Second))

	var forgotten c.Handle
	Stop([]*c.Child{rec}, func(h c.Handle) { forgotten = h })

	assert.Equal(t, rec.Handle, forgotten)
}

func TestStop_CancelsArmedTimer(t *testing.T) {
	sp := spawner.New()
	spec := c.ChildSpec{
		Start: func(ctx context.Context, notify c.NotifyStartFn) error {
			notify(nil)
			<-ctx.Done()
			return nil
		},
		Shutdown: c.Timeout(time.Second),
		Timeout:  50 * time.Millisecond,
	}
	rec, outcome, err := sp.Spawn(spec, func(c.Handle) {}, func(c.Handle, error) {})
	require.NoError(t, err)
	require.Equal(t, c.Started, outcome)

	Stop([]*c.Child{rec}, nil)

	assert.False(t, rec.TimerStop(), "the timer should already have been stopped by Stop")
}

func TestStop_MultipleChildrenInOrder(t *testing.T) {
	sp := spawner.New()
	a := spawnBlocking(t, sp, c.Inf)
	b := spawnBlocking(t, sp, c.Inf)

	results := Stop([]*c.Child{a, b}, nil)
	assert.Len(t, results, 2)
	assert.ErrorIs(t, results[a.Handle], c.ErrShutdown)
	assert.ErrorIs(t, results[b.Handle], c.ErrShutdown)
}
