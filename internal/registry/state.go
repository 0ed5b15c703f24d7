// Package registry implements the parent's in-memory child registry: the
// pure "State" described in specification §4.2. A State performs no I/O and
// spawns nothing; it is a value mutated only by register/re-register/pop.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/parentkit/parent/internal/c"
	"github.com/parentkit/parent/internal/rc"
)

// ErrHandleTaken is returned by Register/ReRegister when the target handle
// is already occupied.
var ErrHandleTaken = errors.New("registry: handle already registered")

// ErrUnknownChild is returned by any lookup that cannot resolve its
// reference to a live child.
var ErrUnknownChild = errors.New("registry: unknown child")

// ErrAlreadyStarted is returned by Register when the spec's id collides
// with a live child.
var ErrAlreadyStarted = errors.New("registry: id already started")

// ErrDanglingBinding is returned by Register when a ChildSpec's BindsTo
// names an id that is not currently live, violating invariant 4.
var ErrDanglingBinding = errors.New("registry: binds_to references a child that is not live")

// Ref is anything that can address a child: a c.Handle or a string id.
type Ref = any

// State is the registry described in specification §3/§4.2.
type State struct {
	children     map[c.Handle]*c.Child
	ids          map[string]c.Handle
	deps         map[c.Handle][]c.Handle // prerequisite handle -> dependent handles
	groups       map[string][]c.Handle
	startupIndex uint64
	parentRC     *rc.Counter
	maxRestarts  int
	maxSeconds   int
}

// New builds an empty State with the given parent-wide restart budget.
func New(maxRestarts, maxSecondsWindowSeconds int) *State {
	return &State{
		children:    make(map[c.Handle]*c.Child),
		ids:         make(map[string]c.Handle),
		deps:        make(map[c.Handle][]c.Handle),
		groups:      make(map[string][]c.Handle),
		parentRC:    rc.New(maxRestarts, secondsToDuration(maxSecondsWindowSeconds)),
		maxRestarts: maxRestarts,
		maxSeconds:  maxSecondsWindowSeconds,
	}
}

func secondsToDuration(s int) time.Duration {
	if s == rc.Unbounded {
		return rc.UnboundedWindow
	}
	return time.Duration(s) * time.Second
}

// resolve turns a Ref into a handle.
func (s *State) resolve(ref Ref) (c.Handle, bool) {
	switch v := ref.(type) {
	case c.Handle:
		_, ok := s.children[v]
		return v, ok
	case string:
		h, ok := s.ids[v]
		return h, ok
	default:
		return 0, false
	}
}

// Register inserts rec into the registry. Precondition: rec.Handle is
// absent. Indexes the record by id (if any), by group (if any), and
// installs reverse-dependency edges for every live id in BindsTo. Bumps
// the startup index and assigns it onto rec.
func (s *State) Register(rec *c.Child) error {
	if _, taken := s.children[rec.Handle]; taken {
		return ErrHandleTaken
	}
	if rec.Spec.ID != "" {
		if _, exists := s.ids[rec.Spec.ID]; exists {
			return ErrAlreadyStarted
		}
	}
	for _, depID := range rec.Spec.BindsTo {
		if _, ok := s.ids[depID]; !ok {
			return ErrDanglingBinding
		}
	}

	s.startupIndex++
	rec.StartupIndex = s.startupIndex

	s.children[rec.Handle] = rec
	if rec.Spec.ID != "" {
		s.ids[rec.Spec.ID] = rec.Handle
	}
	if rec.Spec.HasGroup() {
		s.groups[rec.Spec.ShutdownGroup] = append(s.groups[rec.Spec.ShutdownGroup], rec.Handle)
	}
	for _, depID := range rec.Spec.BindsTo {
		prereq := s.ids[depID]
		s.deps[prereq] = append(s.deps[prereq], rec.Handle)
	}

	return nil
}

// ReRegister installs rec, an existing record being brought back up after a
// restart, under newHandle, preserving its startup index and spec. It fails
// loudly if newHandle is already present.
func (s *State) ReRegister(rec *c.Child, newHandle c.Handle) error {
	if _, taken := s.children[newHandle]; taken {
		return ErrHandleTaken
	}
	rec.Handle = newHandle

	s.children[newHandle] = rec
	if rec.Spec.ID != "" {
		s.ids[rec.Spec.ID] = newHandle
	}
	if rec.Spec.HasGroup() {
		s.groups[rec.Spec.ShutdownGroup] = append(s.groups[rec.Spec.ShutdownGroup], newHandle)
	}
	for _, depID := range rec.Spec.BindsTo {
		if prereq, ok := s.ids[depID]; ok {
			s.deps[prereq] = append(s.deps[prereq], newHandle)
		}
	}

	return nil
}

// Lookup resolves ref (a handle or an id) to its record.
func (s *State) Lookup(ref Ref) (*c.Child, bool) {
	h, ok := s.resolve(ref)
	if !ok {
		return nil, false
	}
	return s.children[h], true
}

// NumChildren returns the number of live children.
func (s *State) NumChildren() int { return len(s.children) }

// ChildID returns the id of the child addressed by ref, if it has one.
func (s *State) ChildID(ref Ref) (string, bool) {
	rec, ok := s.Lookup(ref)
	if !ok {
		return "", false
	}
	return rec.Spec.ID, rec.Spec.ID != ""
}

// ChildHandle returns the live handle backing the given ref.
func (s *State) ChildHandle(ref Ref) (c.Handle, bool) {
	return s.resolve(ref)
}

// ChildMeta returns the meta value attached to the child addressed by ref.
func (s *State) ChildMeta(ref Ref) (any, bool) {
	rec, ok := s.Lookup(ref)
	if !ok {
		return nil, false
	}
	return rec.Spec.Meta, true
}

// UpdateMeta applies fn to the meta of the child addressed by ref, in
// place. Returns ErrUnknownChild if ref does not resolve.
func (s *State) UpdateMeta(ref Ref, fn func(any) any) error {
	rec, ok := s.Lookup(ref)
	if !ok {
		return ErrUnknownChild
	}
	rec.Spec.Meta = fn(rec.Spec.Meta)
	return nil
}

// ChildrenInGroup returns the live members of shutdown-group g.
func (s *State) ChildrenInGroup(g string) []*c.Child {
	handles := s.groups[g]
	out := make([]*c.Child, 0, len(handles))
	for _, h := range handles {
		if rec, ok := s.children[h]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// All returns every live child record, sorted by ascending startup index.
func (s *State) All() []*c.Child {
	out := make([]*c.Child, 0, len(s.children))
	for _, rec := range s.children {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartupIndex < out[j].StartupIndex })
	return out
}

// PopWithDependents removes ref's record and the transitive closure of its
// shutdown-group siblings and reverse-dependency dependents, returning them
// in no particular order (callers that need shutdown order must sort by
// StartupIndex themselves). Cycle-safe via a visited set.
func (s *State) PopWithDependents(ref Ref) ([]*c.Child, error) {
	start, ok := s.resolve(ref)
	if !ok {
		return nil, ErrUnknownChild
	}

	visited := make(map[c.Handle]bool)
	queue := []c.Handle{start}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		rec, ok := s.children[h]
		if !ok {
			continue
		}
		visited[h] = true

		if rec.Spec.HasGroup() {
			for _, sibling := range s.groups[rec.Spec.ShutdownGroup] {
				if !visited[sibling] {
					queue = append(queue, sibling)
				}
			}
		}
		for _, dependent := range s.deps[h] {
			if !visited[dependent] {
				queue = append(queue, dependent)
			}
		}
	}

	out := make([]*c.Child, 0, len(visited))
	for h := range visited {
		out = append(out, s.children[h])
	}

	for h := range visited {
		s.remove(h)
	}

	return out, nil
}

// remove deletes a single handle from every index. Callers are responsible
// for timer cancellation (invariant 6); State only owns the indexes.
func (s *State) remove(h c.Handle) {
	rec, ok := s.children[h]
	if !ok {
		return
	}
	delete(s.children, h)
	if rec.Spec.ID != "" {
		delete(s.ids, rec.Spec.ID)
	}
	if rec.Spec.HasGroup() {
		s.groups[rec.Spec.ShutdownGroup] = removeHandle(s.groups[rec.Spec.ShutdownGroup], h)
		if len(s.groups[rec.Spec.ShutdownGroup]) == 0 {
			delete(s.groups, rec.Spec.ShutdownGroup)
		}
	}
	delete(s.deps, h)
	for prereq, dependents := range s.deps {
		s.deps[prereq] = removeHandle(dependents, h)
	}
}

func removeHandle(list []c.Handle, h c.Handle) []c.Handle {
	out := list[:0]
	for _, v := range list {
		if v != h {
			out = append(out, v)
		}
	}
	return out
}

// RecordRestart charges the parent-wide restart counter and reports whether
// the budget is still within bounds.
func (s *State) RecordRestart() bool {
	return s.parentRC.Record()
}

// Reinitialize resets the registry to empty, preserving only the startup
// index counter so that restarted children never collide with new ones.
func (s *State) Reinitialize() {
	preserved := s.startupIndex
	*s = *New(s.maxRestarts, s.maxSeconds)
	s.startupIndex = preserved
}
