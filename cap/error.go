package cap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/parentkit/parent/internal/restartplan"
)

// ErrKVs is implemented by errors that carry structured key-value metadata,
// consumed by the default log Notifier (see events.go).
type ErrKVs interface {
	KVs() map[string]interface{}
}

// Domain errors a caller can reasonably expect and check with errors.Is.
var (
	// ErrUnknownChild is returned by any query or operation whose ref
	// (handle or id) does not resolve to a live child.
	ErrUnknownChild = errors.New("cap: unknown child")
	// ErrAlreadyStarted is returned by StartChild when the spec's id
	// collides with a live child.
	ErrAlreadyStarted = errors.New("cap: child already started")
	// ErrAwaitTimeout is returned by AwaitChildTermination when the
	// requested deadline elapses (or is zero) before the child terminates.
	ErrAwaitTimeout = errors.New("cap: await timed out")
)

// misuse panics immediately, per specification §7: calling into the parent
// before initialization, re-initializing, or calling in from inside the
// parent's own goroutine are programmer errors with no recoverable path.
func misuse(format string, args ...interface{}) {
	panic(fmt.Sprintf("cap: misuse: "+format, args...))
}

// ParentTerminationError wraps the errors returned by children that failed
// to terminate cleanly during a ShutdownChild or ShutdownAll, enhancing
// them with parent identity for structured logging.
type ParentTerminationError struct {
	parentName  string
	childErrMap map[string]error
}

func (err *ParentTerminationError) Error() string {
	return "parent: one or more children failed to terminate cleanly"
}

// KVs returns a metadata map for structured logging.
func (err *ParentTerminationError) KVs() map[string]interface{} {
	childIDs := make([]string, 0, len(err.childErrMap))
	for id := range err.childErrMap {
		childIDs = append(childIDs, id)
	}
	sort.Strings(childIDs)

	acc := make(map[string]interface{})
	acc["parent.name"] = err.parentName

	for i, id := range childIDs {
		childErr := err.childErrMap[id]
		var nested ErrKVs
		if errors.As(childErr, &nested) {
			for k0, v := range nested.KVs() {
				k := strings.TrimPrefix(k0, "parent.")
				acc[fmt.Sprintf("parent.nested.%d.%s", i, k)] = v
			}
		} else {
			acc[fmt.Sprintf("parent.termination.child.%d.id", i)] = id
			acc[fmt.Sprintf("parent.termination.child.%d.error", i)] = childErr
		}
	}

	return acc
}

// ParentStartError wraps an error reported when StartChild's spawn attempt
// fails, enhancing it with parent identity.
type ParentStartError struct {
	parentName string
	childID    string
	childErr   error
}

func (err *ParentStartError) Error() string {
	return "parent: child failed to start"
}

// KVs returns a metadata map for structured logging.
func (err *ParentStartError) KVs() map[string]interface{} {
	acc := make(map[string]interface{})
	acc["parent.name"] = err.parentName
	acc["parent.start.child.id"] = err.childID
	acc["parent.start.child.error"] = err.childErr
	return acc
}

// ParentRestartError wraps restartplan.ErrTooManyRestarts, the fatal
// condition described in specification §7: a restart budget (parent-wide
// or per-child) has been exhausted. This is never recovered inside the
// core; receiving one from HandleMessage means the embedding goroutine
// must treat the parent as dead and let its own supervisor restart it.
type ParentRestartError struct {
	parentName     string
	childID        string
	terminationErr *ParentTerminationError
}

func (err *ParentRestartError) Error() string {
	return "parent: restart budget exhausted, too many restarts"
}

// Unwrap exposes restartplan.ErrTooManyRestarts for errors.Is checks.
func (err *ParentRestartError) Unwrap() error {
	return restartplan.ErrTooManyRestarts
}

// KVs returns a metadata map for structured logging.
func (err *ParentRestartError) KVs() map[string]interface{} {
	acc := make(map[string]interface{})
	acc["parent.name"] = err.parentName
	acc["parent.restart.child.id"] = err.childID

	if err.terminationErr != nil {
		for k, v := range err.terminationErr.KVs() {
			acc[k] = v
		}
	}

	return acc
}
