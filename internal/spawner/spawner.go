// Package spawner implements the Spawner described in specification §4.3:
// it starts a child from a normalized ChildSpec, performs the synchronous
// start handshake, arms the optional lifetime timer, and hands back a
// runtime record ready for registry.State.Register.
package spawner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/parentkit/parent/internal/c"
)

// Spawner hands out monotonically increasing handles and starts children.
// It holds no reference to any State; the caller is responsible for
// registering the record this returns.
type Spawner struct {
	counter uint64
}

// New builds a Spawner.
func New() *Spawner {
	return &Spawner{}
}

// NextHandle allocates the next handle without spawning anything. Exposed
// so the restart engine can pre-compute old->new handle substitutions in
// tests without a live Spawner side effect ordering dependency.
func (sp *Spawner) NextHandle() c.Handle {
	return c.Handle(atomic.AddUint64(&sp.counter, 1))
}

// Spawn starts spec's StartFn and performs the synchronous start handshake.
// onTimeout is invoked (on its own goroutine) if the child's spec carries a
// finite Timeout and that deadline elapses while the child is still
// running; it is the caller's job to turn that into a child_timeout
// self-message. onExit is invoked exactly once, after the child's StartFn
// returns, with the error it returned (nil for a clean exit).
func (sp *Spawner) Spawn(
	spec c.ChildSpec,
	onTimeout func(c.Handle),
	onExit func(c.Handle, error),
) (*c.Child, c.StartResult, error) {
	ctx, cancel := context.WithCancel(context.Background())

	notifyCh := make(chan error, 1)
	done := make(chan struct{})
	var exitErr error

	go func() {
		defer close(done)
		exitErr = spec.Start(ctx, func(err error) {
			select {
			case notifyCh <- err:
			default:
			}
		})
	}()

	var notifyErr error
	select {
	case notifyErr = <-notifyCh:
	case <-done:
		// A start function that notified and then returned at once has its
		// notification already buffered; only a missing one is a failure.
		select {
		case notifyErr = <-notifyCh:
		default:
			cancel()
			if exitErr != nil {
				return nil, c.Failed, exitErr
			}
			return nil, c.Failed, errors.New("spawner: start function returned before notifying")
		}
	}
	if notifyErr != nil {
		cancel()
		<-done
		if errors.Is(notifyErr, c.ErrIgnored) {
			return nil, c.Ignored, nil
		}
		return nil, c.Failed, notifyErr
	}

	handle := sp.NextHandle()

	rec := &c.Child{
		Handle: handle,
		Spec:   spec,
		Done:   done,
		Cancel: cancel,
		ExitReason: func() error {
			return exitErr
		},
	}

	if spec.HasTimeout() {
		timer := time.AfterFunc(spec.Timeout, func() {
			onTimeout(handle)
		})
		rec.TimerStop = timer.Stop
	}

	go func() {
		<-done
		onExit(handle, exitErr)
	}()

	return rec, c.Started, nil
}
