package cap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parentkit/parent/internal/rc"
)

func noopStart(ctx context.Context, notify NotifyStartFn) error {
	notify(nil)
	<-ctx.Done()
	return nil
}

func TestNewChildSpec_Defaults(t *testing.T) {
	spec := NewChildSpec("worker", noopStart)

	assert.Equal(t, "worker", spec.ID)
	assert.Equal(t, Permanent, spec.RestartPolicy)
	assert.False(t, spec.HasTimeout())
	assert.False(t, spec.HasGroup())
	assert.Nil(t, spec.Meta)
	assert.False(t, spec.Shutdown.IsInf())
	assert.False(t, spec.Shutdown.IsKill())
	assert.Equal(t, 5*time.Second, spec.Shutdown.Duration())
	assert.Equal(t, rc.Unbounded, spec.MaxRestarts)
	assert.Equal(t, rc.Unbounded, spec.MaxSeconds)
}

func TestNewChildSpec_WithTimeoutZeroIsNotTheSameAsUnset(t *testing.T) {
	unset := NewChildSpec("worker", noopStart)
	assert.False(t, unset.HasTimeout())

	zero := NewChildSpec("worker", noopStart, WithTimeout(0))
	assert.True(t, zero.HasTimeout())
	assert.Equal(t, time.Duration(0), zero.Timeout)
}

func TestNewChildSpec_AppliesOpts(t *testing.T) {
	spec := NewChildSpec("worker", noopStart,
		WithMeta("annotation"),
		WithRestart(Transient),
		WithShutdown(KillImmediately),
		WithTimeout(time.Minute),
		WithChildRestartBudget(2, 30),
		WithBindsTo("db"),
		WithShutdownGroup("pool"),
		WithEphemeral(),
	)

	assert.Equal(t, "annotation", spec.Meta)
	assert.Equal(t, Transient, spec.RestartPolicy)
	assert.True(t, spec.Shutdown.IsKill())
	assert.True(t, spec.HasTimeout())
	assert.Equal(t, 2, spec.MaxRestarts)
	assert.Equal(t, 30, spec.MaxSeconds)
	assert.Equal(t, []string{"db"}, spec.BindsTo)
	assert.True(t, spec.HasGroup())
	assert.True(t, spec.Ephemeral)
}

func TestWithBindsTo_Accumulates(t *testing.T) {
	spec := NewChildSpec("a", noopStart, WithBindsTo("x"), WithBindsTo("y", "z"))
	assert.Equal(t, []string{"x", "y", "z"}, spec.BindsTo)
}
