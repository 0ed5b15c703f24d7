// Package restartplan implements the restart engine described in
// specification §4.6: given a set of children that were just taken out of
// the registry, it computes which to restart, charges restart budgets,
// honors shutdown-group atomicity, and packages the rest into a deferred
// retry.
package restartplan

import (
	"errors"
	"sort"

	"github.com/parentkit/parent/internal/c"
	"github.com/parentkit/parent/internal/registry"
	"github.com/parentkit/parent/internal/spawner"
	"github.com/parentkit/parent/internal/stopper"
)

// ErrTooManyRestarts is the fatal error returned when either the
// parent-wide or a child's own restart budget is exhausted. It is
// unrecoverable: the caller (cap.Parent) must let its own host crash.
var ErrTooManyRestarts = errors.New("restartplan: too many restarts")

// Entry is one record submitted to the planner.
type Entry struct {
	Child *c.Child
	// RecordRestart marks that this child's own failure should count
	// against both restart budgets, as opposed to having been dragged down
	// by a bound prerequisite or a shutdown-group sibling.
	RecordRestart bool
	// ExitReason is the reason this child left the registry.
	ExitReason error
	// Force restarts this entry even if its policy is Temporary. Used by
	// RestartChild and ReturnChildren, which re-admit previously-stopped
	// records regardless of restart policy.
	Force bool
}

// Hooks wires the planner's Spawner-driven effects back into the owning
// Parent: OnTimeout/OnExit are forwarded verbatim to spawner.Spawn for any
// freshly started child, and Forget is forwarded to stopper.Stop for any
// cascaded-shutdown group-mate.
type Hooks struct {
	OnTimeout func(c.Handle)
	OnExit    func(c.Handle, error)
	Forget    func(c.Handle)
}

// Result is everything the dispatcher needs to report back to the host and
// to schedule follow-up work.
type Result struct {
	// Started holds the freshly registered records of every entry that
	// restarted successfully, in restart order.
	Started []*c.Child
	// GaveUp holds Temporary entries that will not be restarted: those
	// dropped by step 4 and, after a cascade failure, the Temporary members
	// of the unstarted remainder and of the rolled-back group-mates. The
	// host should remove these from any external view it keeps.
	GaveUp []*c.Child
	// Deferred holds entries that still need to be retried after a
	// cascade failure. The caller should post these back through a
	// resume_restart self-message.
	Deferred []Entry
	// Fatal is non-nil when a restart budget was exhausted; the host must
	// treat this as unrecoverable.
	Fatal error
}

// Run executes the plan described in specification §4.6 against state,
// using sp to start children. includeTemporary overrides the default
// drop-temporary-children behavior of step 4.
func Run(
	state *registry.State,
	sp *spawner.Spawner,
	hooks Hooks,
	entries []Entry,
	includeTemporary bool,
) Result {
	entries = dropAlreadyLive(state, entries)
	sortByStartupIndex(entries)

	for _, e := range entries {
		if !e.RecordRestart {
			continue
		}
		childOK := e.Child.RestartCounter().Record()
		parentOK := state.RecordRestart()
		if !childOK || !parentOK {
			return Result{Fatal: ErrTooManyRestarts}
		}
	}

	toStart, toIgnore := partitionTemporary(entries, includeTemporary)

	started := make([]*c.Child, 0, len(toStart))

	// Children are started strictly in ascending startup-index order, which
	// by invariant 4 is also prerequisite-before-dependent order. Bindings
	// in this module are expressed by id rather than by raw handle, so each
	// ReRegister call below re-resolves a not-yet-started dependent's
	// BindsTo ids against whatever handles its prerequisites were just
	// re-registered under — the handle substitution specification §4.6
	// step 5 describes happens as a side effect of that id resolution,
	// with nothing left to rewrite by hand here.
	for i, e := range toStart {
		rec := e.Child

		newRec, outcome, err := sp.Spawn(rec.Spec, hooks.OnTimeout, hooks.OnExit)
		if outcome != c.Started || err != nil {
			return handleCascade(state, sp, hooks, toStart[i:], started, toIgnore, e, err)
		}

		if regErr := state.ReRegister(rec, newRec.Handle); regErr != nil {
			// newRec is a live goroutine under a handle the registry refused;
			// it was never recorded anywhere, so nothing else will ever stop
			// it. Stop it here before handing the original rec off to the
			// cascade, or it leaks indefinitely.
			stopper.Stop([]*c.Child{newRec}, hooks.Forget)
			return handleCascade(state, sp, hooks, toStart[i:], started, toIgnore, e, regErr)
		}
		rec.Cancel = newRec.Cancel
		rec.Done = newRec.Done
		rec.TimerStop = newRec.TimerStop
		rec.ExitReason = newRec.ExitReason

		started = append(started, rec)
	}

	return Result{Started: started, GaveUp: toIgnore}
}

func dropAlreadyLive(state *registry.State, entries []Entry) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Child.Spec.ID != "" {
			if _, ok := state.Lookup(e.Child.Spec.ID); ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func sortByStartupIndex(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Child.StartupIndex < entries[j].Child.StartupIndex
	})
}

// partitionTemporary splits entries into those to (re)start and those to
// give up on. A Temporary entry is given up on unless includeTemporary or
// the entry is Force-flagged.
func partitionTemporary(entries []Entry, includeTemporary bool) (toStart []Entry, toIgnore []*c.Child) {
	for _, e := range entries {
		if e.Child.Spec.RestartPolicy == c.Temporary && !includeTemporary && !e.Force {
			toIgnore = append(toIgnore, e.Child)
			continue
		}
		toStart = append(toStart, e)
	}
	return toStart, toIgnore
}

// handleCascade implements specification §4.6 step 6: on the first spawn
// failure, stop the cascade, atomically roll back any group-mates of the
// unstarted remainder that already came back up, tag the failing and
// dragged-down children, and partition the result into final-ignored vs.
// deferred-for-retry.
func handleCascade(
	state *registry.State,
	sp *spawner.Spawner,
	hooks Hooks,
	unstarted []Entry,
	started []*c.Child,
	alreadyIgnored []*c.Child,
	failing Entry,
	failErr error,
) Result {
	groups := map[string]bool{}
	for _, e := range unstarted {
		if e.Child.Spec.HasGroup() {
			groups[e.Child.Spec.ShutdownGroup] = true
		}
	}

	// Pop the full transitive closure (group plus dependents) of every
	// already-restarted child whose group also appears among the
	// unstarted remainder, so a group cannot end up partially revived
	// even when the chain runs through children restarted earlier in
	// this same pass.
	rolledBackSet := map[c.Handle]*c.Child{}
	for _, rec := range started {
		if _, seen := rolledBackSet[rec.Handle]; seen {
			continue
		}
		if !rec.Spec.HasGroup() || !groups[rec.Spec.ShutdownGroup] {
			continue
		}
		closure, err := state.PopWithDependents(rec.Handle)
		if err != nil {
			continue
		}
		for _, member := range closure {
			rolledBackSet[member.Handle] = member
		}
	}

	remainingStarted := started[:0:0]
	for _, rec := range started {
		if _, rolled := rolledBackSet[rec.Handle]; !rolled {
			remainingStarted = append(remainingStarted, rec)
		}
	}

	rolledBack := make([]*c.Child, 0, len(rolledBackSet))
	for _, rec := range rolledBackSet {
		rolledBack = append(rolledBack, rec)
	}
	sort.Slice(rolledBack, func(i, j int) bool {
		return rolledBack[i].StartupIndex > rolledBack[j].StartupIndex
	})
	if len(rolledBack) > 0 {
		stopper.Stop(rolledBack, hooks.Forget)
	}

	taggedFailing := Entry{Child: failing.Child, RecordRestart: true, ExitReason: failErr}

	pending := make([]Entry, 0, len(unstarted)+len(rolledBack))
	for _, e := range unstarted {
		if e.Child == failing.Child {
			pending = append(pending, taggedFailing)
			continue
		}
		pending = append(pending, Entry{Child: e.Child, RecordRestart: false, ExitReason: c.ErrShutdown})
	}
	for _, rec := range rolledBack {
		pending = append(pending, Entry{Child: rec, RecordRestart: false, ExitReason: c.ErrShutdown})
	}

	var finalIgnored []*c.Child
	var deferred []Entry
	for _, e := range pending {
		if e.Child.Spec.RestartPolicy == c.Temporary {
			finalIgnored = append(finalIgnored, e.Child)
			continue
		}
		deferred = append(deferred, e)
	}

	finalIgnored = append(finalIgnored, alreadyIgnored...)

	return Result{
		Started:  remainingStarted,
		GaveUp:   finalIgnored,
		Deferred: deferred,
	}
}
