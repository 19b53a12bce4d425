package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediacanvas/canvassync/internal/canvas"
)

func applyUserOp(t *testing.T, p *project, userID string, kind canvas.Kind, payload any) canvas.Operation {
	t.Helper()
	op := canvas.MustOperation(kind, payload)
	op.ID = "op_" + string(kind)
	op.OriginUserID = userID

	inverse, nodeIDs, err := p.inverseOf(op)
	require.NoError(t, err)
	sequenced, err := p.sequenceAndApply(op)
	require.NoError(t, err)
	p.recordUndo(userID, undoEntry{
		ID:      op.ID,
		Inverse: []canvas.Operation{inverse},
		Forward: []canvas.Operation{op},
		NodeIDs: nodeIDs,
	})
	return sequenced
}

func TestInverseRoundTrips(t *testing.T) {
	p := newProject("proj-1")

	node := canvas.Node{ID: "n1", Type: "image", X: 10, Y: 20, Width: 100, Height: 80, Properties: map[string]string{"caption": "before"}}
	applyUserOp(t, p, "alice", canvas.KindNodeCreate, canvas.NodeCreate{Node: node})
	applyUserOp(t, p, "alice", canvas.KindNodeMove, canvas.NodeMove{NodeID: "n1", Pos: [2]float64{50, 60}})
	applyUserOp(t, p, "alice", canvas.KindNodeResize, canvas.NodeResize{NodeID: "n1", Size: [2]float64{200, 160}})
	applyUserOp(t, p, "alice", canvas.KindNodeRotate, canvas.NodeRotate{NodeID: "n1", Degrees: 90})
	applyUserOp(t, p, "alice", canvas.KindNodeProperty, canvas.NodeProperty{NodeID: "n1", Key: "caption", Value: "after"})

	// Undo everything, newest first, and verify each reversal.
	_, _, err := p.popUndo("alice")
	require.NoError(t, err)
	got, ok := p.store.Node("n1")
	require.True(t, ok)
	require.Equal(t, "before", got.Properties["caption"])

	_, _, err = p.popUndo("alice")
	require.NoError(t, err)
	got, _ = p.store.Node("n1")
	require.Equal(t, float64(0), got.Rotation)

	_, _, err = p.popUndo("alice")
	require.NoError(t, err)
	got, _ = p.store.Node("n1")
	require.Equal(t, float64(100), got.Width)
	require.Equal(t, float64(80), got.Height)

	_, _, err = p.popUndo("alice")
	require.NoError(t, err)
	got, _ = p.store.Node("n1")
	require.Equal(t, float64(10), got.X)
	require.Equal(t, float64(20), got.Y)

	_, _, err = p.popUndo("alice")
	require.NoError(t, err)
	require.Equal(t, 0, p.store.Len())

	_, _, err = p.popUndo("alice")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRedoReplaysForwardOps(t *testing.T) {
	p := newProject("proj-1")
	applyUserOp(t, p, "alice", canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: "n1", Type: "image"}})

	ops, _, err := p.popUndo("alice")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, 0, p.store.Len())

	ops, _, err = p.popRedo("alice")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	_, ok := p.store.Node("n1")
	require.True(t, ok)

	// Redone entry is undoable again.
	state := p.undoState("alice")
	require.True(t, state.CanUndo)
	require.False(t, state.CanRedo)
}

func TestNewEditClearsRedoStack(t *testing.T) {
	p := newProject("proj-1")
	applyUserOp(t, p, "alice", canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: "n1"}})
	_, _, err := p.popUndo("alice")
	require.NoError(t, err)
	require.True(t, p.undoState("alice").CanRedo)

	applyUserOp(t, p, "alice", canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: "n2"}})
	state := p.undoState("alice")
	require.False(t, state.CanRedo)
	require.Equal(t, 1, state.UndoCount)
}

func TestHistoriesIsolatedPerUser(t *testing.T) {
	p := newProject("proj-1")
	applyUserOp(t, p, "alice", canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: "a1"}})
	applyUserOp(t, p, "bob", canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: "b1"}})

	_, _, err := p.popUndo("bob")
	require.NoError(t, err)

	// Bob's undo removed only bob's node.
	_, ok := p.store.Node("a1")
	require.True(t, ok)
	_, ok = p.store.Node("b1")
	require.False(t, ok)
	require.True(t, p.undoState("alice").CanUndo)
	require.False(t, p.undoState("bob").CanUndo)
}

func TestSequenceMonotonic(t *testing.T) {
	p := newProject("proj-1")
	first := applyUserOp(t, p, "alice", canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: "n1"}})
	second := applyUserOp(t, p, "alice", canvas.KindNodeMove, canvas.NodeMove{NodeID: "n1", Pos: [2]float64{1, 2}})
	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, int64(2), second.Sequence)

	undoOps, _, err := p.popUndo("alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), undoOps[0].Sequence)
	require.Equal(t, serverOriginTabID, undoOps[0].OriginTabID)
	require.True(t, undoOps[0].Transient)
}

func TestInverseOfMissingNode(t *testing.T) {
	p := newProject("proj-1")
	op := canvas.MustOperation(canvas.KindNodeMove, canvas.NodeMove{NodeID: "ghost", Pos: [2]float64{1, 2}})
	_, _, err := p.inverseOf(op)
	require.ErrorIs(t, err, canvas.ErrNodeNotFound)
}

func TestTransactionMergeUndoneAsUnit(t *testing.T) {
	p := newProject("proj-1")

	// Two moves recorded as one merged entry, as commit does.
	applyUserOp(t, p, "alice", canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: "n1", X: 0, Y: 0}})

	var entries []undoEntry
	for _, pos := range [][2]float64{{10, 10}, {20, 20}} {
		op := canvas.MustOperation(canvas.KindNodeMove, canvas.NodeMove{NodeID: "n1", Pos: pos})
		inverse, nodeIDs, err := p.inverseOf(op)
		require.NoError(t, err)
		_, err = p.sequenceAndApply(op)
		require.NoError(t, err)
		entries = append(entries, undoEntry{Inverse: []canvas.Operation{inverse}, Forward: []canvas.Operation{op}, NodeIDs: nodeIDs})
	}
	merged := undoEntry{ID: "txn_1", NodeIDs: collectNodeIDs(entries)}
	for _, e := range entries {
		merged.Inverse = append(merged.Inverse, e.Inverse...)
		merged.Forward = append(merged.Forward, e.Forward...)
	}
	p.recordUndo("alice", merged)

	_, _, err := p.popUndo("alice")
	require.NoError(t, err)
	got, _ := p.store.Node("n1")
	require.Equal(t, float64(0), got.X)
	require.Equal(t, float64(0), got.Y)

	_, _, err = p.popRedo("alice")
	require.NoError(t, err)
	got, _ = p.store.Node("n1")
	require.Equal(t, float64(20), got.X)
}
