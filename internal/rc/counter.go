// Package rc implements the sliding-window restart budget shared by the
// parent-wide and per-child restart counters (specification §4.1).
package rc

import "time"

// Unbounded marks the restart-count dimension (Max) as having no upper
// limit. A literal Max of 0 is a distinct, meaningful request — zero
// tolerance, the first restart ever attempted exhausts the budget — so it
// cannot double as "no budget".
const Unbounded = -1

// UnboundedWindow marks the sliding-window dimension (Window) as having no
// upper bound, turning Max into an absolute lifetime cap instead of a
// per-window quota. A literal Window of 0 is a distinct, valid (if
// degenerate) request for a zero-width window, not a synonym for unbounded.
const UnboundedWindow time.Duration = -1

// Clock abstracts the monotonic source of truth so tests can drive the
// window deterministically instead of sleeping real time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Counter is a sliding-window counter of recent restart events. A Counter
// configured with Max == Unbounded always accepts, regardless of Window. A
// Counter configured with Window == UnboundedWindow never prunes, turning
// Max into an absolute lifetime cap.
type Counter struct {
	max    int
	window time.Duration
	clock  Clock
	events []time.Time
}

// New builds a Counter with the given (max, window) budget, using the
// system clock.
func New(max int, window time.Duration) *Counter {
	return NewWithClock(max, window, SystemClock{})
}

// NewWithClock builds a Counter with an injected Clock, for deterministic
// tests.
func NewWithClock(max int, window time.Duration, clock Clock) *Counter {
	return &Counter{max: max, window: window, clock: clock}
}

// Record appends the current timestamp, prunes entries that have fallen
// outside the window, and reports whether the pruned length is still within
// budget. A false return means the caller should treat this as
// budget-exhausted and must not retry the same Counter past this point
// without resetting it.
func (c *Counter) Record() bool {
	if c.max == Unbounded {
		return true
	}

	now := c.clock.Now()
	c.events = append(c.events, now)

	if c.window != UnboundedWindow {
		cutoff := now.Add(-c.window)
		kept := c.events[:0]
		for _, t := range c.events {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		c.events = kept
	}

	return len(c.events) <= c.max
}

// Count returns the number of events currently inside the window.
func (c *Counter) Count() int { return len(c.events) }

// Reset clears all recorded events, as happens when a child's counter is
// dropped along with its record during reinitialization.
func (c *Counter) Reset() { c.events = nil }
