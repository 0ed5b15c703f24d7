package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentkit/parent/internal/c"
)

func newChild(id string, h c.Handle) *c.Child {
	return &c.Child{Handle: h, Spec: c.ChildSpec{ID: id, RestartPolicy: c.Permanent}}
}

func TestState_RegisterAssignsStartupIndex(t *testing.T) {
	s := New(0, 0)

	a := newChild("a", 1)
	require.NoError(t, s.Register(a))
	assert.Equal(t, uint64(1), a.StartupIndex)

	b := newChild("b", 2)
	require.NoError(t, s.Register(b))
	assert.Equal(t, uint64(2), b.StartupIndex)
}

func TestState_RegisterRejectsDuplicateID(t *testing.T) {
	s := New(0, 0)
	require.NoError(t, s.Register(newChild("a", 1)))

	err := s.Register(newChild("a", 2))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestState_RegisterRejectsDuplicateHandle(t *testing.T) {
	s := New(0, 0)
	require.NoError(t, s.Register(newChild("a", 1)))

	err := s.Register(newChild("b", 1))
	assert.ErrorIs(t, err, ErrHandleTaken)
}

func TestState_RegisterRejectsDanglingBinding(t *testing.T) {
	s := New(0, 0)
	child := newChild("dependent", 1)
	child.Spec.BindsTo = []string{"missing"}

	err := s.Register(child)
	assert.ErrorIs(t, err, ErrDanglingBinding)
}

func TestState_LookupByHandleAndID(t *testing.T) {
	s := New(0, 0)
	a := newChild("a", 1)
	require.NoError(t, s.Register(a))

	rec, ok := s.Lookup(c.Handle(1))
	require.True(t, ok)
	assert.Equal(t, "a", rec.Spec.ID)

	rec, ok = s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, c.Handle(1), rec.Handle)

	_, ok = s.Lookup("missing")
	assert.False(t, ok)
}

func TestState_PopWithDependents_Simple(t *testing.T) {
	s := New(0, 0)
	require.NoError(t, s.Register(newChild("a", 1)))

	closure, err := s.PopWithDependents(c.Handle(1))
	require.NoError(t, err)
	assert.Len(t, closure, 1)
	assert.Equal(t, 0, s.NumChildren())
}

func TestState_PopWithDependents_TransitiveBindsTo(t *testing.T) {
	s := New(0, 0)
	require.NoError(t, s.Register(newChild("a", 1)))

	b := newChild("b", 2)
	b.Spec.BindsTo = []string{"a"}
	require.NoError(t, s.Register(b))

	cc := newChild("c", 3)
	cc.Spec.BindsTo = []string{"b"}
	require.NoError(t, s.Register(cc))

	closure, err := s.PopWithDependents("a")
	require.NoError(t, err)
	assert.Len(t, closure, 3, "a's dependents and their own dependents must all be swept up")
	assert.Equal(t, 0, s.NumChildren())
}

func TestState_PopWithDependents_ShutdownGroupIsAtomic(t *testing.T) {
	s := New(0, 0)
	a := newChild("a", 1)
	a.Spec.ShutdownGroup = "g"
	require.NoError(t, s.Register(a))

	b := newChild("b", 2)
	b.Spec.ShutdownGroup = "g"
	require.NoError(t, s.Register(b))

	closure, err := s.PopWithDependents("a")
	require.NoError(t, err)
	assert.Len(t, closure, 2)
}

func TestState_PopWithDependents_UnknownRef(t *testing.T) {
	s := New(0, 0)
	_, err := s.PopWithDependents("missing")
	assert.ErrorIs(t, err, ErrUnknownChild)
}

func TestState_ReRegisterPreservesStartupIndex(t *testing.T) {
	s := New(0, 0)
	a := newChild("a", 1)
	require.NoError(t, s.Register(a))
	idx := a.StartupIndex

	_, err := s.PopWithDependents("a")
	require.NoError(t, err)

	require.NoError(t, s.ReRegister(a, c.Handle(99)))
	assert.Equal(t, idx, a.StartupIndex)

	rec, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, c.Handle(99), rec.Handle)
}

func TestState_AllIsSortedByStartupIndex(t *testing.T) {
	s := New(0, 0)
	require.NoError(t, s.Register(newChild("c", 3)))
	require.NoError(t, s.Register(newChild("a", 1)))
	require.NoError(t, s.Register(newChild("b", 2)))

	all := s.All()
	require.Len(t, all, 3)
	assert.Less(t, all[0].StartupIndex, all[1].StartupIndex)
	assert.Less(t, all[1].StartupIndex, all[2].StartupIndex)
}

func TestState_RecordRestartEnforcesParentBudget(t *testing.T) {
	s := New(1, 60)
	assert.True(t, s.RecordRestart())
	assert.False(t, s.RecordRestart())
}

func TestState_ReinitializePreservesStartupIndexButClearsChildren(t *testing.T) {
	s := New(3, 5)
	require.NoError(t, s.Register(newChild("a", 1)))
	require.NoError(t, s.Register(newChild("b", 2)))

	s.Reinitialize()
	assert.Equal(t, 0, s.NumChildren())

	fresh := newChild("c", 3)
	require.NoError(t, s.Register(fresh))
	assert.Equal(t, uint64(3), fresh.StartupIndex, "startup index must not reset across Reinitialize")
}

func TestState_UpdateMetaAndChildMeta(t *testing.T) {
	s := New(0, 0)
	a := newChild("a", 1)
	a.Spec.Meta = 1
	require.NoError(t, s.Register(a))

	err := s.UpdateMeta("a", func(v any) any { return v.(int) + 1 })
	require.NoError(t, err)

	meta, ok := s.ChildMeta("a")
	require.True(t, ok)
	assert.Equal(t, 2, meta)
}
