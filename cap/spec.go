package cap

import (
	"time"

	"github.com/parentkit/parent/internal/c"
	"github.com/parentkit/parent/internal/rc"
)

// Re-exported vocabulary from internal/c so callers never need to import an
// internal package to build a ChildSpec.
type (
	// ChildSpec is the declarative description of one child, built with
	// NewChildSpec and a chain of Opt functions.
	ChildSpec = c.ChildSpec
	// Handle addresses a live child; it is returned by StartChild.
	Handle = c.Handle
	// Restart selects when a child is restarted after it exits.
	Restart = c.Restart
	// Shutdown selects how a child is terminated.
	Shutdown = c.Shutdown
	// NotifyStartFn is handed to a StartFn to report back the outcome of
	// initialization.
	NotifyStartFn = c.NotifyStartFn
	// StartFn is the shape every child's start descriptor normalizes to.
	StartFn = c.StartFn
	// StartResult classifies the outcome of a spawn attempt.
	StartResult = c.StartResult
)

const (
	Permanent = c.Permanent
	Transient = c.Transient
	Temporary = c.Temporary
)

const (
	Started        = c.Started
	AlreadyStarted = c.AlreadyStarted
	Ignored        = c.Ignored
	Failed         = c.Failed
)

// Inf instructs the parent to wait indefinitely for a child to stop.
var Inf = c.Inf

// KillImmediately instructs the parent to skip the graceful handshake and
// kill a child the moment it is asked to stop.
var KillImmediately = c.Kill

// ErrIgnored is the sentinel a StartFn hands to its NotifyStartFn to signal
// that it deliberately chose not to start, as opposed to a genuine failure.
var ErrIgnored = c.ErrIgnored

// ErrChildTimeout is the exit reason HandleMessage reports when a child's
// spec.Timeout lifetime bound elapsed.
var ErrChildTimeout = c.ErrTimeout

// ErrChildShutdown is the exit reason HandleMessage and Stop report for a
// child deliberately terminated by the parent via a graceful or infinite
// shutdown strategy.
var ErrChildShutdown = c.ErrShutdown

// ErrChildKilled is the exit reason reported when a child missed its
// graceful deadline and was escalated to a kill, or was killed outright.
var ErrChildKilled = c.ErrKilled

// TimeoutShutdown builds a graceful shutdown deadline of d before the
// parent escalates to a kill.
func TimeoutShutdown(d time.Duration) Shutdown {
	return c.Timeout(d)
}

// Opt configures one field of a ChildSpec under construction.
type Opt func(*ChildSpec)

// NewChildSpec builds a ChildSpec for id (pass "" for an anonymous child)
// with start as its StartFn, applying the specification's defaults —
// Shutdown: 5s, RestartPolicy: Permanent, Timeout: infinite,
// MaxRestarts/MaxSeconds: infinite, Meta: nil — before applying opts in
// order.
func NewChildSpec(id string, start StartFn, opts ...Opt) ChildSpec {
	spec := ChildSpec{
		ID:            id,
		Start:         start,
		Shutdown:      c.Timeout(c.DefaultShutdown),
		RestartPolicy: c.Permanent,
		Timeout:       c.NoTimeout,
		MaxRestarts:   rc.Unbounded,
		MaxSeconds:    rc.Unbounded,
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec
}

// WithMeta attaches an opaque annotation to the spec, retrievable later via
// Parent.ChildMeta.
func WithMeta(meta any) Opt {
	return func(cs *ChildSpec) { cs.Meta = meta }
}

// WithShutdown overrides the default 5 second graceful shutdown deadline.
func WithShutdown(s Shutdown) Opt {
	return func(cs *ChildSpec) { cs.Shutdown = s }
}

// WithRestart overrides the default Permanent restart policy.
func WithRestart(r Restart) Opt {
	return func(cs *ChildSpec) { cs.RestartPolicy = r }
}

// WithTimeout bounds the child's lifetime; on expiry the parent terminates
// it with reason ErrTimeout. d == 0 is a valid, degenerate bound: the child
// is reported exited with ErrTimeout on the very next dispatch. Without
// this option the spec carries no lifetime bound at all (c.NoTimeout).
func WithTimeout(d time.Duration) Opt {
	return func(cs *ChildSpec) { cs.Timeout = d }
}

// WithChildRestartBudget sets this child's own sliding-window restart
// budget, independent of the parent-wide one. max == 0 is zero tolerance
// (the first restart within the window exhausts the budget); seconds == 0
// is a zero-width window that never accumulates events. Pass rc.Unbounded
// for max and/or seconds to disable that dimension entirely. Without this
// option the child has no budget of its own and is governed solely by the
// parent-wide one.
func WithChildRestartBudget(max, seconds int) Opt {
	return func(cs *ChildSpec) {
		cs.MaxRestarts = max
		cs.MaxSeconds = seconds
	}
}

// WithBindsTo declares that this child depends on the named siblings: if
// any of them goes down, this child is dragged down with it. Every id
// named here must already be live in the parent at the moment this spec is
// passed to StartChild.
func WithBindsTo(ids ...string) Opt {
	return func(cs *ChildSpec) { cs.BindsTo = append(cs.BindsTo, ids...) }
}

// WithShutdownGroup tags the spec as a member of an atomic shutdown/restart
// group: the group is either entirely live or entirely absent.
func WithShutdownGroup(group string) Opt {
	return func(cs *ChildSpec) { cs.ShutdownGroup = group }
}

// WithEphemeral marks the spec so that, when the restart engine gives up
// restarting it, its entry is also removed from the external Registry
// rather than lingering there as a last-known entry. It does not change whether a
// restart is attempted — see DESIGN.md's resolution of this module's open
// question.
func WithEphemeral() Opt {
	return func(cs *ChildSpec) { cs.Ephemeral = true }
}
