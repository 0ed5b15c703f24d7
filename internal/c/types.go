// Package c holds the core vocabulary shared by every layer of the parent:
// child identity, restart/shutdown policy, and the runtime record a child
// occupies once it has been spawned. Nothing in this package performs I/O or
// spawns goroutines; it is pure data and small total functions over it.
package c

import (
	"context"
	"errors"
	"time"

	"github.com/parentkit/parent/internal/rc"
)

// ErrIgnored is the sentinel a StartFn passes to NotifyStartFn to signal
// that it chose not to start and should not be supervised, as opposed to a
// genuine start failure.
var ErrIgnored = errors.New("c: child start ignored")

// Exit reason sentinels. These are the values HandleMessage and the
// Stopper report as the observed exit reason when the parent, rather than
// the child itself, decided the outcome.
var (
	// ErrShutdown marks a child stopped deliberately by the parent via a
	// graceful or infinite shutdown strategy.
	ErrShutdown = errors.New("c: shutdown")
	// ErrKilled marks a child that missed its graceful deadline and was
	// escalated to a kill, or whose spec demanded an immediate kill.
	ErrKilled = errors.New("c: killed")
	// ErrTimeout marks a child terminated because its spec's Timeout
	// lifetime bound elapsed.
	ErrTimeout = errors.New("c: timeout")
)

// Handle is an opaque, process-local identity assigned to a child the moment
// it is spawned. It plays the role the specification calls a "task handle"
// or "pid": every record, index, and binding in the registry is keyed by it.
type Handle uint64

// Restart specifies when a child gets restarted after it exits.
type Restart uint32

const (
	// Permanent children are always restarted, regardless of exit reason.
	Permanent Restart = iota
	// Transient children are restarted only on an abnormal exit.
	Transient
	// Temporary children are never restarted.
	Temporary
)

func (r Restart) String() string {
	switch r {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	default:
		return "<unknown restart>"
	}
}

// ShutdownTag distinguishes the three shutdown strategies a ChildSpec may
// request.
type ShutdownTag uint32

const (
	timeoutT ShutdownTag = iota
	infinityT
	killT
)

// Shutdown indicates how the parent waits for a child to stop before
// escalating to a forced kill.
type Shutdown struct {
	tag      ShutdownTag
	duration time.Duration
}

// Inf instructs the parent to wait indefinitely for the child to stop.
var Inf = Shutdown{tag: infinityT}

// Kill instructs the parent to skip the graceful handshake and kill the
// child immediately.
var Kill = Shutdown{tag: killT}

// Timeout instructs the parent to wait up to d for a graceful stop before
// escalating to a kill. d may be zero, which still performs the graceful
// handshake but escalates on the very next tick if the child has not
// already exited.
func Timeout(d time.Duration) Shutdown {
	return Shutdown{tag: timeoutT, duration: d}
}

// IsInf reports whether this is the infinite-wait strategy.
func (s Shutdown) IsInf() bool { return s.tag == infinityT }

// IsKill reports whether this is the immediate-kill strategy.
func (s Shutdown) IsKill() bool { return s.tag == killT }

// Duration returns the graceful deadline. Only meaningful when neither
// IsInf nor IsKill holds.
func (s Shutdown) Duration() time.Duration { return s.duration }

// DefaultShutdown is the 5 second graceful deadline the specification names
// as the default for a ChildSpec that does not set one explicitly.
const DefaultShutdown = 5 * time.Second

// NotifyStartFn is handed to a child's start function so it can report back
// whether it came up cleanly. A non-nil error is a start failure.
type NotifyStartFn = func(error)

// StartFn is the shape every child start descriptor normalizes to: it is
// handed a context that is cancelled when the parent wants the child to
// stop, and a NotifyStartFn it must call (at most once) once initialization
// either finished or failed. StartFn blocks for the lifetime of the child.
type StartFn = func(ctx context.Context, notify NotifyStartFn) error

// StartResult classifies the outcome of a spawn attempt.
type StartResult uint32

const (
	// Started means the child came up and was registered.
	Started StartResult = iota
	// AlreadyStarted means an id collision was detected before spawning.
	AlreadyStarted
	// Ignored means the start function asked not to be supervised.
	Ignored
	// Failed means the start function reported an error.
	Failed
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyStarted:
		return "already_started"
	case Ignored:
		return "ignored"
	case Failed:
		return "failed"
	default:
		return "<unknown start result>"
	}
}

// NoTimeout is ChildSpec.Timeout's sentinel for "no lifetime bound". A
// literal Timeout of 0 is itself a meaningful, explicitly-requested value —
// the child is reported exited with reason ErrTimeout on the very next
// dispatch — so it cannot double as "unset".
const NoTimeout time.Duration = -1

// ChildSpec is the declarative, immutable description of one child. It is
// built via the functional-option constructor in package cap and then
// normalized by the spawner.
type ChildSpec struct {
	ID            string
	Start         StartFn
	Meta          any
	Shutdown      Shutdown
	RestartPolicy Restart
	Timeout       time.Duration // NoTimeout means infinite; 0 is a valid, immediate bound
	MaxRestarts   int           // rc.Unbounded means infinite; 0 is zero-tolerance
	MaxSeconds    int           // seconds form of rc.UnboundedWindow; 0 is a zero-width window
	BindsTo       []string
	ShutdownGroup string
	Ephemeral     bool
}

// HasTimeout reports whether this spec carries a lifetime bound, including
// the degenerate zero-length one.
func (cs ChildSpec) HasTimeout() bool { return cs.Timeout != NoTimeout }

// HasGroup reports whether this spec belongs to a shutdown-group.
func (cs ChildSpec) HasGroup() bool { return cs.ShutdownGroup != "" }

// Child is the runtime record a ChildSpec occupies once registered: the
// spec itself plus everything that only exists after a successful spawn.
type Child struct {
	Handle       Handle
	Spec         ChildSpec
	StartupIndex uint64
	Cancel       context.CancelFunc
	Done         <-chan struct{}
	// ExitReason is populated by the spawner's monitor goroutine once Done
	// closes; nil means the child exited cleanly.
	ExitReason func() error
	// TimerStop cancels the armed lifetime timer, if any. nil when Timeout
	// is infinite.
	TimerStop func() bool
	// restarts is this child's own sliding-window restart budget. It lives
	// on the record itself (not in the registry's indexes) so it survives
	// unchanged across pop/re-register cycles during a restart.
	restarts *rc.Counter
}

// RestartCounter returns this child's own restart budget counter, lazily
// built from its spec's (MaxRestarts, MaxSeconds) the first time it is
// needed.
func (ch *Child) RestartCounter() *rc.Counter {
	if ch.restarts == nil {
		window := rc.UnboundedWindow
		if ch.Spec.MaxSeconds != rc.Unbounded {
			window = time.Duration(ch.Spec.MaxSeconds) * time.Second
		}
		ch.restarts = rc.New(ch.Spec.MaxRestarts, window)
	}
	return ch.restarts
}

// Exit is the notification a monitor goroutine posts to the parent's inbox
// once a child's Done channel closes.
type Exit struct {
	Handle Handle
	Reason error
}
