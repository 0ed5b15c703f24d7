// Package cap is the public API of the parenting core: an embeddable
// child-lifecycle supervision engine a long-running host task drives from
// its own goroutine, interleaved with arbitrary other work.
package cap

import (
	"fmt"
	"sync"
	"time"

	"github.com/parentkit/parent/internal/c"
	"github.com/parentkit/parent/internal/registry"
	"github.com/parentkit/parent/internal/restartplan"
	"github.com/parentkit/parent/internal/spawner"
	"github.com/parentkit/parent/internal/stopper"
)

const (
	defaultMaxRestarts = 3
	defaultMaxSeconds  = 5
	inboxCapacity      = 64
)

// Parent is the supervision engine itself. The zero value is not usable;
// build one with New and drive it with Initialize, the StartChild/
// ShutdownChild/... family, and HandleMessage.
type Parent struct {
	name string

	state   *registry.State
	spawner *spawner.Spawner

	notifiers []Notifier
	metrics   *Metrics
	registry  Registry

	inbox chan any

	maxRestarts int
	maxSeconds  int

	timedOut map[c.Handle]bool

	waitersMu sync.Mutex
	waiters   map[string][]chan error

	initialized bool
}

// Option configures a Parent at construction time.
type Option func(*Parent)

// WithMaxRestarts overrides the parent-wide restart budget's restart count
// (default 3). n == 0 is zero tolerance: the first restart within the
// window terminates the parent with too_many_restarts. Pass rc.Unbounded to
// disable the parent-wide budget entirely.
func WithMaxRestarts(n int) Option {
	return func(p *Parent) { p.maxRestarts = n }
}

// WithMaxSeconds overrides the parent-wide restart budget's sliding window,
// in seconds (default 5). s == 0 is a zero-width window, which never
// accumulates events. Pass rc.UnboundedWindow's value in seconds (-1) to
// turn MaxRestarts into an absolute lifetime cap instead of a per-window one.
func WithMaxSeconds(s int) Option {
	return func(p *Parent) { p.maxSeconds = s }
}

// WithRegistry configures the optional external lookup table.
func WithRegistry(r Registry) Option {
	return func(p *Parent) { p.registry = r }
}

// WithNotifier registers a structured event sink. May be called more than
// once; every configured Notifier receives every Event.
func WithNotifier(n Notifier) Option {
	return func(p *Parent) { p.notifiers = append(p.notifiers, n) }
}

// WithMetrics attaches Prometheus instrumentation built with NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Parent) { p.metrics = m }
}

// New builds a Parent named name. Initialize must be called exactly once
// before any other method.
func New(name string, opts ...Option) *Parent {
	p := &Parent{
		name:        name,
		maxRestarts: defaultMaxRestarts,
		maxSeconds:  defaultMaxSeconds,
		inbox:       make(chan any, inboxCapacity),
		timedOut:    make(map[c.Handle]bool),
		waiters:     make(map[string][]chan error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize brings up the parent's internal state. Calling any other
// method beforehand, or calling Initialize twice, is Misuse.
func (p *Parent) Initialize() {
	if p.initialized {
		misuse("Initialize called twice on parent %q", p.name)
	}
	p.state = registry.New(p.maxRestarts, p.maxSeconds)
	p.spawner = spawner.New()
	p.initialized = true
}

func (p *Parent) assertInitialized(op string) {
	if !p.initialized {
		misuse("%s called on parent %q before Initialize", op, p.name)
	}
}

// Messages exposes the parent's inbox so the host's event loop can select
// on it alongside its own work and feed whatever arrives into
// HandleMessage.
func (p *Parent) Messages() <-chan any { return p.inbox }

func (p *Parent) forget(h c.Handle) { delete(p.timedOut, h) }

func (p *Parent) hooks() restartplan.Hooks {
	return restartplan.Hooks{
		OnTimeout: p.postTimeout,
		OnExit:    p.postExit,
		Forget:    p.forget,
	}
}

func (p *Parent) postTimeout(h c.Handle) {
	select {
	case p.inbox <- childTimeoutMsg{Handle: h}:
	default:
		go func() { p.inbox <- childTimeoutMsg{Handle: h} }()
	}
}

func (p *Parent) postExit(h c.Handle, reason error) {
	p.inbox <- c.Exit{Handle: h, Reason: reason}
}

// StartChild starts spec and, on success, registers it under a fresh
// handle. Every id in spec.BindsTo must already be live.
func (p *Parent) StartChild(spec ChildSpec) (Handle, StartResult, error) {
	p.assertInitialized("StartChild")

	if spec.ID != "" {
		if _, ok := p.state.Lookup(spec.ID); ok {
			p.metrics.observeStart("already_started")
			return 0, c.AlreadyStarted, ErrAlreadyStarted
		}
	}

	rec, outcome, err := p.spawner.Spawn(spec, p.postTimeout, p.postExit)
	switch outcome {
	case c.Ignored:
		p.metrics.observeStart("ignored")
		return 0, c.Ignored, nil
	case c.Failed:
		p.metrics.observeStart("failed")
		return 0, c.Failed, &ParentStartError{parentName: p.name, childID: spec.ID, childErr: err}
	}

	if regErr := p.state.Register(rec); regErr != nil {
		// The record was already spawned; stop it immediately rather than
		// leak a running goroutine behind a registration we must discard.
		stopper.Stop([]*c.Child{rec}, p.forget)
		return 0, c.Failed, &ParentStartError{parentName: p.name, childID: spec.ID, childErr: regErr}
	}

	p.syncRegistrySet(rec)
	p.metrics.setChildren(p.state.NumChildren())
	p.metrics.observeStart("started")
	p.notifyAll(ChildStarted, spec.ID, nil)

	return rec.Handle, c.Started, nil
}

// ShutdownChild stops the child addressed by ref and every child in its
// shutdown-group/dependency closure, in reverse startup-index order, and
// removes them all from the registry. It does not restart anything.
func (p *Parent) ShutdownChild(ref any) error {
	p.assertInitialized("ShutdownChild")
	return p.shutdownClosure(ref)
}

func (p *Parent) shutdownClosure(ref any) error {
	closure, err := p.state.PopWithDependents(ref)
	if err != nil {
		return ErrUnknownChild
	}
	sortDescendingByStartupIndex(closure)

	started := time.Now()
	results := stopper.Stop(closure, p.forget)
	p.metrics.observeStopDuration(time.Since(started))

	errs := map[string]error{}
	for _, rec := range closure {
		delete(p.timedOut, rec.Handle)
		p.syncRegistryDelete(rec.Spec.ID)
		p.notifyTermination(rec.Spec.ID, results[rec.Handle])
		if reason := results[rec.Handle]; reason != nil && reason != c.ErrShutdown {
			key := rec.Spec.ID
			if key == "" {
				key = handleKey(rec.Handle)
			}
			errs[key] = reason
		}
		p.notifyAll(ChildStopped, rec.Spec.ID, results[rec.Handle])
	}
	p.metrics.setChildren(p.state.NumChildren())

	if len(errs) > 0 {
		return &ParentTerminationError{parentName: p.name, childErrMap: errs}
	}
	return nil
}

// RestartChild stops the child addressed by ref (and its closure) exactly
// like ShutdownChild, then immediately feeds the whole closure back through
// the restart engine, bypassing restart-policy and budget exemptions that
// would normally apply to a Temporary child — this is an explicit host
// request, not an automatic recovery.
func (p *Parent) RestartChild(ref any) error {
	p.assertInitialized("RestartChild")

	closure, err := p.state.PopWithDependents(ref)
	if err != nil {
		return ErrUnknownChild
	}
	sortDescendingByStartupIndex(closure)
	stopper.Stop(closure, p.forget)
	for _, rec := range closure {
		delete(p.timedOut, rec.Handle)
	}

	entries := make([]restartplan.Entry, 0, len(closure))
	for _, rec := range closure {
		entries = append(entries, restartplan.Entry{Child: rec, RecordRestart: true, ExitReason: c.ErrShutdown, Force: true})
	}

	result := restartplan.Run(p.state, p.spawner, p.hooks(), entries, true)
	p.applyRestartResult(result)
	if result.Fatal != nil {
		p.notifyAll(RestartBudgetExhausted, refID(ref), result.Fatal)
		return &ParentRestartError{parentName: p.name, childID: refID(ref)}
	}
	return nil
}

// ShutdownAll stops every live child in strict reverse startup-index
// order, then resets the registry to empty (preserving the startup index
// counter so restarted children never collide with new ones).
func (p *Parent) ShutdownAll() error {
	p.assertInitialized("ShutdownAll")

	all := p.state.All()
	sortDescendingByStartupIndex(all)

	started := time.Now()
	results := stopper.Stop(all, p.forget)
	p.metrics.observeStopDuration(time.Since(started))

	errs := map[string]error{}
	for _, rec := range all {
		p.syncRegistryDelete(rec.Spec.ID)
		p.notifyTermination(rec.Spec.ID, results[rec.Handle])
		p.notifyAll(ChildStopped, rec.Spec.ID, results[rec.Handle])
		if reason := results[rec.Handle]; reason != nil && reason != c.ErrShutdown {
			key := rec.Spec.ID
			if key == "" {
				key = handleKey(rec.Handle)
			}
			errs[key] = reason
		}
	}

	p.state.Reinitialize()
	p.timedOut = make(map[c.Handle]bool)
	p.metrics.setChildren(0)

	if len(errs) > 0 {
		return &ParentTerminationError{parentName: p.name, childErrMap: errs}
	}
	return nil
}

// ReturnChildren re-admits previously-stopped records (as returned by a
// prior ShutdownChild/ShutdownAll caller that kept its own copies) through
// the restart plan. Returned records are not charged against any restart
// budget, and restart-policy exemptions never apply — every record passed
// here is force-started.
func (p *Parent) ReturnChildren(specs []ChildSpec) restartplan.Result {
	p.assertInitialized("ReturnChildren")

	entries := make([]restartplan.Entry, 0, len(specs))
	for _, spec := range specs {
		entries = append(entries, restartplan.Entry{
			Child:         &c.Child{Spec: spec},
			RecordRestart: false,
			ExitReason:    c.ErrShutdown,
			Force:         true,
		})
	}
	result := restartplan.Run(p.state, p.spawner, p.hooks(), entries, true)
	p.applyRestartResult(result)
	return result
}

// Children returns every live child's record, in ascending startup-index
// order. Equivalent to SupervisorWhichChildren.
func (p *Parent) Children() []*c.Child {
	p.assertInitialized("Children")
	return p.state.All()
}

// SupervisorWhichChildren is an alias of Children kept for parity with
// specification §6's naming.
func (p *Parent) SupervisorWhichChildren() []*c.Child { return p.Children() }

// NumChildren returns the number of live children.
func (p *Parent) NumChildren() int {
	p.assertInitialized("NumChildren")
	return p.state.NumChildren()
}

// SupervisorCountChildren is an alias of NumChildren.
func (p *Parent) SupervisorCountChildren() int { return p.NumChildren() }

// HasChild reports whether ref resolves to a live child.
func (p *Parent) HasChild(ref any) bool {
	p.assertInitialized("HasChild")
	_, ok := p.state.Lookup(ref)
	return ok
}

// ChildID returns the id of the child addressed by ref, if any.
func (p *Parent) ChildID(ref any) (string, bool) {
	p.assertInitialized("ChildID")
	return p.state.ChildID(ref)
}

// ChildHandle returns the live handle backing ref. This is specification
// §6's child_pid, renamed for a language with no process identifiers.
func (p *Parent) ChildHandle(ref any) (Handle, bool) {
	p.assertInitialized("ChildHandle")
	return p.state.ChildHandle(ref)
}

// ChildMeta returns the meta annotation of the child addressed by ref.
func (p *Parent) ChildMeta(ref any) (any, bool) {
	p.assertInitialized("ChildMeta")
	return p.state.ChildMeta(ref)
}

// UpdateChildMeta applies fn to the meta of the child addressed by ref.
func (p *Parent) UpdateChildMeta(ref any, fn func(any) any) error {
	p.assertInitialized("UpdateChildMeta")
	if err := p.state.UpdateMeta(ref, fn); err != nil {
		return ErrUnknownChild
	}
	if rec, ok := p.state.Lookup(ref); ok {
		p.syncRegistrySet(rec)
	}
	return nil
}

// AwaitChildTermination blocks the calling goroutine (never the parent's
// own) until the child identified by id terminates, or timeout elapses (a
// timeout of 0 or less returns ErrAwaitTimeout at once). This is the one
// synchronization primitive in an otherwise lock-free design, for callers
// outside the parent's own goroutine that need to observe termination
// directly rather than through a Notifier.
func (p *Parent) AwaitChildTermination(id string, timeout time.Duration) error {
	p.assertInitialized("AwaitChildTermination")

	if timeout <= 0 {
		return ErrAwaitTimeout
	}

	ch := make(chan error, 1)
	p.waitersMu.Lock()
	p.waiters[id] = append(p.waiters[id], ch)
	p.waitersMu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		return ErrAwaitTimeout
	}
}

func (p *Parent) notifyTermination(id string, reason error) {
	if id == "" {
		return
	}
	p.waitersMu.Lock()
	chans := p.waiters[id]
	delete(p.waiters, id)
	p.waitersMu.Unlock()

	for _, ch := range chans {
		ch <- reason
	}
}

func (p *Parent) applyRestartResult(result restartplan.Result) {
	for _, rec := range result.Started {
		p.syncRegistrySet(rec)
		p.notifyAll(ChildRestarted, rec.Spec.ID, nil)
	}
	for _, rec := range result.GaveUp {
		// A gave-up child's internal registry record is always gone by
		// this point (it was popped before the plan ran); whether its
		// external Registry entry follows is governed by Ephemeral alone,
		// per the resolution in DESIGN.md of ephemeral's interaction with
		// restart policy: ephemeral forces the external entry gone too,
		// non-ephemeral leaves a lagging last-known entry for inspection.
		if rec.Spec.Ephemeral {
			p.syncRegistryDelete(rec.Spec.ID)
		}
	}
	p.metrics.setChildren(p.state.NumChildren())
	for range result.Started {
		p.metrics.observeRestart("ok")
	}
	if result.Fatal != nil {
		p.metrics.observeRestart("budget_exhausted")
	}
	for range result.Deferred {
		p.metrics.observeRestart("deferred")
	}
	if len(result.Deferred) > 0 {
		entries := result.Deferred
		go func() { p.inbox <- resumeRestartMsg{Entries: entries} }()
	}
}

func sortDescendingByStartupIndex(recs []*c.Child) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].StartupIndex < recs[j].StartupIndex; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}

func refID(ref any) string {
	if s, ok := ref.(string); ok {
		return s
	}
	return ""
}

func handleKey(h c.Handle) string {
	return fmt.Sprintf("#%d", uint64(h))
}
