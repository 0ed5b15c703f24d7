package cap

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind classifies a lifecycle Event reported through a Notifier.
type EventKind int

const (
	// ChildStarted is emitted once a child's start handshake completes.
	ChildStarted EventKind = iota
	// ChildStopped is emitted once a child was deliberately terminated by
	// the parent through ShutdownChild or ShutdownAll.
	ChildStopped
	// ChildExited is emitted when a child's start function returned on its
	// own, after the restart decision for it has been carried out.
	ChildExited
	// ChildRestarted is emitted once a child has been successfully
	// restarted and re-registered under a fresh handle.
	ChildRestarted
	// RestartBudgetExhausted is emitted immediately before HandleMessage
	// returns a fatal *ParentRestartError.
	RestartBudgetExhausted
)

func (k EventKind) String() string {
	switch k {
	case ChildStarted:
		return "child_started"
	case ChildStopped:
		return "child_stopped"
	case ChildExited:
		return "child_exited"
	case ChildRestarted:
		return "child_restarted"
	case RestartBudgetExhausted:
		return "restart_budget_exhausted"
	default:
		return "<unknown event>"
	}
}

// Event is one structured lifecycle notification a Parent reports to its
// configured Notifiers.
type Event struct {
	Time      time.Time
	Kind      EventKind
	ParentName string
	ChildID   string
	Err       error
}

// Notifier receives lifecycle Events. Notify must return quickly: it is
// called inline on the parent's own goroutine between suspension points.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(e Event) { f(e) }

// logNotifier is the bundled logrus-backed Notifier.
type logNotifier struct {
	log logrus.FieldLogger
}

// NewLogNotifier builds a Notifier that renders each Event as a structured
// logrus entry, at a level chosen by its Kind (RestartBudgetExhausted logs
// at Error, ChildExited/ChildStopped with a non-nil Err at Warn, everything
// else at Info). When the carried error implements ErrKVs its fields are
// flattened onto the entry.
func NewLogNotifier(log logrus.FieldLogger) Notifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &logNotifier{log: log}
}

func (n *logNotifier) Notify(e Event) {
	fields := logrus.Fields{
		"parent.name": e.ParentName,
		"event.kind":  e.Kind.String(),
	}
	if e.ChildID != "" {
		fields["child.id"] = e.ChildID
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
		var kvs ErrKVs
		if errors.As(e.Err, &kvs) {
			for k, v := range kvs.KVs() {
				fields[k] = v
			}
		}
	}

	entry := n.log.WithFields(fields).WithTime(e.Time)

	switch {
	case e.Kind == RestartBudgetExhausted:
		entry.Error("parent: restart budget exhausted")
	case e.Err != nil:
		entry.Warn("parent: child exited with error")
	default:
		entry.Info("parent: " + e.Kind.String())
	}
}

// notifyAll fans an Event out to every configured Notifier, filling in Time
// and ParentName if unset.
func (p *Parent) notifyAll(kind EventKind, childID string, err error) {
	if len(p.notifiers) == 0 {
		return
	}
	e := Event{
		Time:       time.Now(),
		Kind:       kind,
		ParentName: p.name,
		ChildID:    childID,
		Err:        err,
	}
	for _, n := range p.notifiers {
		n.Notify(e)
	}
}
