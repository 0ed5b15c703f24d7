// Package chaos implements a saboteur-style test harness: a channel-actor
// that holds named failure plans and hands out c.StartFn values that crash
// or hang on a schedule, so the restart engine's budget and shutdown-group
// behavior can be exercised deterministically instead of by sleeping on
// real process failures.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parentkit/parent/internal/c"
)

// Plan describes how a named chaos-injected child should misbehave.
type Plan struct {
	// CrashAfter is the number of successful starts to allow before the
	// plan makes a start return an error instead. Zero means never crash.
	CrashAfter int
	// CrashErr is returned by the StartFn once CrashAfter is reached. If
	// nil, a generic sentinel is used.
	CrashErr error
	// Hang, once true, makes every start notify success and then block
	// until ctx is cancelled but never actually return promptly —
	// simulating the documented Go limitation that a shutdown deadline
	// cannot force a goroutine to stop (see internal/stopper.Stop).
	// HangFor bounds how long past cancellation it keeps running before
	// finally returning, to keep tests from hanging forever.
	Hang    bool
	HangFor time.Duration
}

// ErrSabotaged is CrashErr's default value.
var ErrSabotaged = errors.New("chaos: plan triggered a crash")

type insertMsg struct {
	name string
	plan Plan
	resp chan error
}

type removeMsg struct {
	name string
	resp chan error
}

type startMsg struct {
	name string
	resp chan (func(context.Context, c.NotifyStartFn) error)
}

// DB is the chaos-plan actor. Build one with New and run its loop on its
// own goroutine with Run; it has no other state accessible outside its own
// channels.
type DB struct {
	insertCh chan insertMsg
	removeCh chan removeMsg
	startCh  chan startMsg
	attempts map[string]int
}

// New builds an empty DB. Call Run on a goroutine before using it.
func New() *DB {
	return &DB{
		insertCh: make(chan insertMsg),
		removeCh: make(chan removeMsg),
		startCh:  make(chan startMsg),
		attempts: make(map[string]int),
	}
}

// Run drives the DB's state loop until ctx is cancelled.
func (db *DB) Run(ctx context.Context) {
	plans := make(map[string]Plan)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-db.insertCh:
			if _, exists := plans[msg.name]; exists {
				msg.resp <- fmt.Errorf("chaos: plan %q already registered", msg.name)
				continue
			}
			plans[msg.name] = msg.plan
			db.attempts[msg.name] = 0
			msg.resp <- nil

		case msg := <-db.removeCh:
			if _, exists := plans[msg.name]; !exists {
				msg.resp <- fmt.Errorf("chaos: plan %q not found", msg.name)
				continue
			}
			delete(plans, msg.name)
			delete(db.attempts, msg.name)
			msg.resp <- nil

		case msg := <-db.startCh:
			plan, exists := plans[msg.name]
			if !exists {
				msg.resp <- nil
				continue
			}
			db.attempts[msg.name]++
			attempt := db.attempts[msg.name]
			msg.resp <- plan.startFn(attempt)
		}
	}
}

func (p Plan) startFn(attempt int) func(context.Context, c.NotifyStartFn) error {
	return func(ctx context.Context, notify c.NotifyStartFn) error {
		if p.CrashAfter > 0 && attempt > p.CrashAfter {
			err := p.CrashErr
			if err == nil {
				err = ErrSabotaged
			}
			notify(err)
			return err
		}

		notify(nil)

		if p.Hang {
			hangFor := p.HangFor
			if hangFor <= 0 {
				hangFor = 50 * time.Millisecond
			}
			<-ctx.Done()
			time.Sleep(hangFor)
			return ctx.Err()
		}

		<-ctx.Done()
		return nil
	}
}

// InsertPlan registers a named plan. Returns an error if the name is taken.
func (db *DB) InsertPlan(ctx context.Context, name string, plan Plan) error {
	resp := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case db.insertCh <- insertMsg{name: name, plan: plan, resp: resp}:
	}
	return <-resp
}

// RemovePlan deregisters a named plan.
func (db *DB) RemovePlan(ctx context.Context, name string) error {
	resp := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case db.removeCh <- removeMsg{name: name, resp: resp}:
	}
	return <-resp
}

// StartFn returns a c.StartFn that, each time it is invoked, asks the DB's
// loop for the next behavior of the named plan. Children with no
// registered plan under that name always start cleanly and run until
// cancelled.
func (db *DB) StartFn(name string) c.StartFn {
	return func(ctx context.Context, notify c.NotifyStartFn) error {
		resp := make(chan func(context.Context, c.NotifyStartFn) error, 1)
		select {
		case <-ctx.Done():
			notify(ctx.Err())
			return ctx.Err()
		case db.startCh <- startMsg{name: name, resp: resp}:
		}

		fn := <-resp
		if fn == nil {
			notify(nil)
			<-ctx.Done()
			return nil
		}
		return fn(ctx, notify)
	}
}
