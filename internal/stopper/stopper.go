// Package stopper implements the Stopper described in specification §4.4:
// disciplined, ordered termination of a list of children with per-child
// shutdown policy.
package stopper

import (
	"time"

	"github.com/parentkit/parent/internal/c"
)

// Forget is called for each child before it is signalled, giving the
// caller a chance to discard any already-queued child_timeout self-message
// for that handle so it is never re-observed (specification §4.4 step 1/4).
type Forget func(c.Handle)

// Stop terminates every record in recs, in the order given — callers
// wanting shutdown-all semantics must pass reverse-startup-index order
// themselves, per specification §5. The call is synchronous: it returns
// only once every child has been accounted for. The returned map carries
// the exit reason observed for each handle.
func Stop(recs []*c.Child, forget Forget) map[c.Handle]error {
	results := make(map[c.Handle]error, len(recs))

	for _, rec := range recs {
		if rec.TimerStop != nil {
			rec.TimerStop()
		}
		if forget != nil {
			forget(rec.Handle)
		}

		switch {
		case rec.Spec.Shutdown.IsKill():
			rec.Cancel()
			<-rec.Done
			results[rec.Handle] = c.ErrKilled

		case rec.Spec.Shutdown.IsInf():
			rec.Cancel()
			<-rec.Done
			results[rec.Handle] = c.ErrShutdown

		default:
			rec.Cancel()
			select {
			case <-rec.Done:
				results[rec.Handle] = c.ErrShutdown
			case <-time.After(rec.Spec.Shutdown.Duration()):
				// Escalation is non-cancellable: Go has no hard-kill
				// primitive for a goroutine that ignores ctx.Done, so the
				// child may keep running after this point (a leak the
				// caller's Start function is responsible for avoiding).
				results[rec.Handle] = c.ErrKilled
			}
		}
	}

	return results
}
