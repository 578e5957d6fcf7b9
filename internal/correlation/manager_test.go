package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager("refund-ledger", WithGenerator(NewSequenceGenerator("corr")))
}

func TestNewRootIsItsOwnRoot(t *testing.T) {
	m := newTestManager()
	root := m.NewRoot("process_refund", "admin-1", "api", "treasury-processor")

	assert.Equal(t, "corr-1", root.ID)
	assert.Equal(t, root.ID, root.RootID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, "admin-1", root.Initiator)
}

func TestChildKeepsRootAndRecordsStep(t *testing.T) {
	m := newTestManager()
	root := m.NewRoot("process_refund", "admin-1", "api", "treasury-processor")
	child := m.Child(root, "withdraw", "treasury")
	grandchild := m.Child(child, "reverse_withdrawal", "treasury")

	assert.Equal(t, root.ID, child.ParentID)
	assert.Equal(t, root.ID, child.RootID)
	assert.Equal(t, "withdraw", child.Operation)
	assert.Equal(t, "treasury-processor", child.SourceService)
	assert.Equal(t, "treasury", child.TargetService)
	assert.Equal(t, 1, child.Depth)

	assert.Equal(t, child.ID, grandchild.ParentID)
	assert.Equal(t, root.ID, grandchild.RootID)
	assert.Equal(t, 2, grandchild.Depth)
	assert.Equal(t, "admin-1", grandchild.Initiator)
}

func TestTraceReconstructsFlowFromAnyNode(t *testing.T) {
	m := newTestManager()
	root := m.NewRoot("batch", "system", "sweeper", "treasury-processor")
	a := m.Child(root, "validate", "treasury")
	b := m.Child(root, "withdraw", "treasury")
	other := m.NewRoot("create_refund", "alice", "api", "refund-ledger")

	trace := m.Trace(b.ID)
	require.Len(t, trace, 3)
	assert.Equal(t, []string{root.ID, a.ID, b.ID}, []string{trace[0].ID, trace[1].ID, trace[2].ID})

	assert.Len(t, m.Trace(other.ID), 1)
	assert.Nil(t, m.Trace("missing"))
}

func TestStatsCountActiveAndIssued(t *testing.T) {
	m := newTestManager()
	r1 := m.NewRoot("a", "x", "s", "t")
	m.Child(r1, "step", "t")
	m.NewRoot("b", "x", "s", "t")

	s := m.Stats()
	assert.Equal(t, 2, s.ActiveFlows)
	assert.EqualValues(t, 3, s.TotalIssued)

	m.Complete(r1.ID)
	s = m.Stats()
	assert.Equal(t, 1, s.ActiveFlows)
	assert.EqualValues(t, 3, s.TotalIssued)
}

func TestPruneRemovesOnlyCompletedOldFlows(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager("svc", WithGenerator(NewSequenceGenerator("c")), WithClock(func() time.Time { return now }))

	done := m.NewRoot("done", "x", "s", "t")
	m.Child(done, "step", "t")
	live := m.NewRoot("live", "x", "s", "t")
	m.Complete(done.ID)

	removed := m.Prune(now.Add(time.Minute))
	assert.Equal(t, 1, removed)
	assert.Nil(t, m.Trace(done.ID))
	assert.Len(t, m.Trace(live.ID), 1)
}

func TestContextRoundTrip(t *testing.T) {
	m := newTestManager()
	root := m.NewRoot("op", "x", "s", "t")

	_, ok := From(context.Background())
	assert.False(t, ok)

	got, ok := From(With(context.Background(), root))
	require.True(t, ok)
	assert.Equal(t, root, got)
}

func TestUUIDv7GeneratorIsSortable(t *testing.T) {
	g := UUIDv7Generator{}
	a := g.Generate()
	time.Sleep(2 * time.Millisecond)
	b := g.Generate()
	assert.Len(t, a, 36)
	assert.Less(t, a, b)
}
