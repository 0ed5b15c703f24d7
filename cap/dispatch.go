package cap

import (
	"sort"

	"github.com/parentkit/parent/internal/c"
	"github.com/parentkit/parent/internal/restartplan"
	"github.com/parentkit/parent/internal/stopper"
)

// childTimeoutMsg is the self-message a Parent posts to its own inbox when
// a child's lifetime Timeout elapses (specification §6, "child_timeout").
type childTimeoutMsg struct {
	Handle c.Handle
}

// resumeRestartMsg carries a restart plan's Deferred entries back through
// the inbox for another attempt (specification §6, "resume_restart").
type resumeRestartMsg struct {
	Entries []restartplan.Entry
}

// OutcomeKind classifies what HandleMessage did with a message.
type OutcomeKind int

const (
	// NoOp means the message required no host-visible follow-up (a
	// self-message fully absorbed internally, or a Request already
	// replied to on its own channel).
	NoOp OutcomeKind = iota
	// Exited means a child (and, implicitly, any dependents dragged down
	// with it) left the registry; the host sees this exactly once per
	// triggering exit, per specification §5's ordering guarantee.
	Exited
)

// Outcome is what HandleMessage reports back to the host loop.
type Outcome struct {
	Kind    OutcomeKind
	Handle  Handle
	ChildID string
	Meta    any
	Reason  error
}

// HandleMessage is the Lifecycle dispatcher's single entry point
// (specification §4.5): the host's event loop reads from Messages() and
// feeds whatever arrives here. A non-nil error is always a
// *ParentRestartError — a restart budget was exhausted, and per
// specification §7 this is fatal: the caller must let its own goroutine
// terminate so that whatever supervises it restarts the whole parent.
func (p *Parent) HandleMessage(msg any) (Outcome, error) {
	p.assertInitialized("HandleMessage")

	switch m := msg.(type) {
	case c.Exit:
		return p.processExit(m.Handle, m.Reason)

	case childTimeoutMsg:
		p.handleChildTimeout(m.Handle)
		return Outcome{Kind: NoOp}, nil

	case resumeRestartMsg:
		result := restartplan.Run(p.state, p.spawner, p.hooks(), m.Entries, false)
		p.applyRestartResult(result)
		if result.Fatal != nil {
			p.notifyAll(RestartBudgetExhausted, "", result.Fatal)
			return Outcome{Kind: NoOp}, &ParentRestartError{parentName: p.name}
		}
		return Outcome{Kind: NoOp}, nil

	case Request:
		p.handleRequest(m)
		return Outcome{Kind: NoOp}, nil

	default:
		return Outcome{Kind: NoOp}, nil
	}
}

// handleChildTimeout cancels the child's context; the actual exit (and
// restart disposition) is handled uniformly once its c.Exit arrives,
// tagged with reason ErrTimeout via p.timedOut.
func (p *Parent) handleChildTimeout(h c.Handle) {
	rec, ok := p.state.Lookup(h)
	if !ok {
		return
	}
	p.timedOut[h] = true
	rec.Cancel()
}

func shouldAttemptRestart(policy c.Restart, reason error) bool {
	switch policy {
	case c.Permanent:
		return true
	case c.Transient:
		return reason != nil
	default: // c.Temporary
		return false
	}
}

// processExit implements specification §4.5's "child exit signal for a
// known handle" branch in full: cancel timers, pop the triggering child's
// transitive closure, stop whichever members of that closure are still
// alive (the dependents dragged down with it), decide restart disposition
// per §4.6, and report the triggering exit exactly once.
func (p *Parent) processExit(handle c.Handle, reason error) (Outcome, error) {
	if p.timedOut[handle] {
		reason = c.ErrTimeout
		delete(p.timedOut, handle)
	}

	rec, ok := p.state.Lookup(handle)
	if !ok {
		// Already removed by an explicit ShutdownChild/ShutdownAll/cascade
		// rollback; this exit was expected and fully handled there.
		return Outcome{Kind: NoOp}, nil
	}
	triggerID := rec.Spec.ID
	triggerMeta := rec.Spec.Meta

	closure, err := p.state.PopWithDependents(handle)
	if err != nil {
		return Outcome{Kind: NoOp}, nil
	}

	for _, m := range closure {
		if m.TimerStop != nil {
			m.TimerStop()
		}
		delete(p.timedOut, m.Handle)
	}

	others := make([]*c.Child, 0, len(closure))
	for _, m := range closure {
		if m.Handle != handle {
			others = append(others, m)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].StartupIndex > others[j].StartupIndex })
	if len(others) > 0 {
		stopper.Stop(others, p.forget)
	}

	triggerRestart := shouldAttemptRestart(rec.Spec.RestartPolicy, reason)

	entries := make([]restartplan.Entry, 0, len(closure))
	var preDropped []*c.Child
	for _, m := range closure {
		if m.Handle == handle {
			if !triggerRestart {
				preDropped = append(preDropped, m)
				continue
			}
			entries = append(entries, restartplan.Entry{Child: m, RecordRestart: true, ExitReason: reason})
			continue
		}
		entries = append(entries, restartplan.Entry{Child: m, RecordRestart: false, ExitReason: c.ErrShutdown})
	}

	result := restartplan.Run(p.state, p.spawner, p.hooks(), entries, false)
	result.GaveUp = append(result.GaveUp, preDropped...)
	p.applyRestartResult(result)

	for _, m := range preDropped {
		p.notifyTermination(m.Spec.ID, reason)
	}
	p.notifyTermination(triggerID, reason)

	if result.Fatal != nil {
		p.notifyAll(RestartBudgetExhausted, triggerID, result.Fatal)
		return Outcome{Kind: NoOp}, &ParentRestartError{parentName: p.name, childID: triggerID}
	}

	p.notifyAll(ChildExited, triggerID, reason)

	return Outcome{
		Kind:    Exited,
		Handle:  handle,
		ChildID: triggerID,
		Meta:    triggerMeta,
		Reason:  reason,
	}, nil
}
