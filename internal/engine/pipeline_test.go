package engine

import (
	"context"
	"testing"

	"github.com/mediacanvas/canvassync/internal/canvas"
	"github.com/mediacanvas/canvassync/internal/wire"
)

type pipelineHarness struct {
	pipeline *OperationPipeline
	store    *canvas.Store
	recorder *sendRecorder
	ready    bool
	ctx      *EngineContext
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		store:    canvas.NewStore(),
		recorder: &sendRecorder{},
		ready:    true,
		ctx:      testContext(t, nil),
	}
	h.pipeline = NewOperationPipeline(h.ctx, h.store, PipelineDeps{
		UserID:        func() string { return "alice" },
		TransactionID: func() string { return "" },
		Ready:         func() bool { return h.ready },
		Send:          h.recorder.send,
	})
	return h
}

func createOp(id string) canvas.Operation {
	return canvas.MustOperation(canvas.KindNodeCreate, canvas.NodeCreate{Node: canvas.Node{ID: id, Type: "image"}})
}

func TestExecuteFillsIdentityAndBroadcasts(t *testing.T) {
	h := newPipelineHarness(t)

	op, err := h.pipeline.Execute(context.Background(), createOp("n1"), ExecContext{Broadcast: true, RecordUndo: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if op.ID == "" || op.Timestamp == 0 {
		t.Fatalf("identity fields not filled: %+v", op)
	}
	if op.OriginTabID != "tab_local" || op.OriginUserID != "alice" {
		t.Fatalf("origin fields not filled: %+v", op)
	}
	if op.Sequence != 1 {
		t.Fatalf("expected provisional sequence 1, got %d", op.Sequence)
	}
	if op.Transient {
		t.Fatalf("undoable op flagged transient")
	}
	if _, ok := h.store.Node("n1"); !ok {
		t.Fatalf("operation not applied locally")
	}
	if got := h.recorder.lastEvent(t); got != wire.EventCanvasOperation {
		t.Fatalf("expected broadcast, got %s", got)
	}
}

func TestExecuteWithoutBroadcastStaysLocal(t *testing.T) {
	h := newPipelineHarness(t)

	if _, err := h.pipeline.Execute(context.Background(), createOp("n1"), ExecContext{Broadcast: false}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(h.recorder.sent()) != 0 {
		t.Fatalf("local-only op was broadcast")
	}
}

func TestOfflineOpsQueueAndFlushAsBatch(t *testing.T) {
	h := newPipelineHarness(t)
	h.ready = false

	for _, id := range []string{"n1", "n2", "n3"} {
		if _, err := h.pipeline.Execute(context.Background(), createOp(id), ExecContext{Broadcast: true, RecordUndo: true}); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}
	if got := h.pipeline.PendingCount(); got != 3 {
		t.Fatalf("expected 3 pending ops, got %d", got)
	}
	if len(h.recorder.sent()) != 0 {
		t.Fatalf("offline ops were sent")
	}

	h.ready = true
	h.pipeline.FlushPending(context.Background())

	envs := h.recorder.sent()
	if len(envs) != 1 {
		t.Fatalf("expected 1 batch envelope, got %d", len(envs))
	}
	if envs[0].Event != wire.EventCanvasOperationBatch {
		t.Fatalf("expected batch event, got %s", envs[0].Event)
	}
	var batch wire.CanvasOperationBatch
	if err := envs[0].DecodePayload(&batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch.Operations) != 3 {
		t.Fatalf("expected 3 ops in batch, got %d", len(batch.Operations))
	}
	for i, id := range []string{"n1", "n2", "n3"} {
		var create canvas.NodeCreate
		payload, err := batch.Operations[i].Payload()
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		create = *payload.(*canvas.NodeCreate)
		if create.Node.ID != id {
			t.Fatalf("batch order broken at %d: got %s, want %s", i, create.Node.ID, id)
		}
	}
	if h.pipeline.PendingCount() != 0 {
		t.Fatalf("queue not drained after flush")
	}
}

func TestFlushFailureRequeuesInOrder(t *testing.T) {
	h := newPipelineHarness(t)
	h.ready = false
	for _, id := range []string{"n1", "n2"} {
		if _, err := h.pipeline.Execute(context.Background(), createOp(id), ExecContext{Broadcast: true}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}

	h.ready = true
	h.recorder.fail(ErrNotConnected)
	h.pipeline.FlushPending(context.Background())
	if got := h.pipeline.PendingCount(); got != 2 {
		t.Fatalf("expected requeue of 2 ops, got %d", got)
	}
}

func TestPendingQueueDropsOldestAtCapacity(t *testing.T) {
	h := newPipelineHarness(t)
	h.pipeline.maxPending = 2
	h.ready = false

	for _, id := range []string{"n1", "n2", "n3"} {
		if _, err := h.pipeline.Execute(context.Background(), createOp(id), ExecContext{Broadcast: true}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if got := h.pipeline.PendingCount(); got != 2 {
		t.Fatalf("expected capacity 2, got %d", got)
	}
}

func TestRemoteEchoSuppressedButSequenceAdvances(t *testing.T) {
	h := newPipelineHarness(t)

	echo := createOp("n1")
	echo.ID = "op_echo"
	echo.Sequence = 7
	echo.OriginTabID = "tab_local"
	echo.OriginUserID = "alice"

	h.pipeline.HandleRemote(echo)
	if _, ok := h.store.Node("n1"); ok {
		t.Fatalf("echo of own op was re-applied")
	}
	if got := h.pipeline.Sequence(); got != 7 {
		t.Fatalf("sequence did not advance on suppressed echo: %d", got)
	}
}

func TestRemoteDuplicateAppliedOnce(t *testing.T) {
	h := newPipelineHarness(t)

	op := createOp("n1")
	op.ID = "op_remote"
	op.Sequence = 1
	op.OriginTabID = "tab_other"
	op.OriginUserID = "bob"

	h.pipeline.HandleRemote(op)
	if _, ok := h.store.Node("n1"); !ok {
		t.Fatalf("remote op not applied")
	}

	// Same id again, and same (sequence, kind) under a fresh id.
	h.pipeline.HandleRemote(op)
	dup := op
	dup.ID = "op_other_id"
	h.pipeline.HandleRemote(dup)

	if h.store.Len() != 1 {
		t.Fatalf("duplicate applied, store has %d nodes", h.store.Len())
	}
}

func TestRemoteOpNotDedupedAgainstLocalProvisionalSequence(t *testing.T) {
	h := newPipelineHarness(t)

	seed := createOp("n2")
	seed.ID = "op_seed"
	seed.Sequence = 2
	seed.OriginTabID = "tab_other"
	h.pipeline.HandleRemote(seed)

	// A local move takes provisional sequence 3, the number the server will
	// hand to the next operation it accepts.
	local := canvas.MustOperation(canvas.KindNodeMove, canvas.NodeMove{NodeID: "n2", Pos: [2]float64{10, 10}})
	if _, err := h.pipeline.Execute(context.Background(), local, ExecContext{Broadcast: true, RecordUndo: true}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Another tab's concurrent move arrives first, carrying canonical
	// sequence 3. It is not a duplicate and must apply.
	remote := canvas.MustOperation(canvas.KindNodeMove, canvas.NodeMove{NodeID: "n2", Pos: [2]float64{40, 40}})
	remote.ID = "op_remote_move"
	remote.Sequence = 3
	remote.OriginTabID = "tab_other"
	remote.OriginUserID = "bob"
	h.pipeline.HandleRemote(remote)

	node, ok := h.store.Node("n2")
	if !ok {
		t.Fatalf("node missing")
	}
	if node.X != 40 || node.Y != 40 {
		t.Fatalf("remote move dropped as duplicate: node at (%v, %v), want (40, 40)", node.X, node.Y)
	}
}

func TestSequenceNeverRegresses(t *testing.T) {
	h := newPipelineHarness(t)

	high := createOp("n1")
	high.ID = "op_high"
	high.Sequence = 50
	high.OriginTabID = "tab_other"
	h.pipeline.HandleRemote(high)

	low := createOp("n2")
	low.ID = "op_low"
	low.Sequence = 3
	low.OriginTabID = "tab_other"
	h.pipeline.HandleRemote(low)

	if got := h.pipeline.Sequence(); got != 50 {
		t.Fatalf("sequence regressed: %d", got)
	}
	h.pipeline.AdvanceTo(10)
	if got := h.pipeline.Sequence(); got != 50 {
		t.Fatalf("AdvanceTo lowered the counter: %d", got)
	}
}

func TestHandleBatchSignalsSingleFlush(t *testing.T) {
	h := newPipelineHarness(t)
	flushes, cancel := h.ctx.Bus.Subscribe(TopicFlush, 8)
	defer cancel()

	ops := make([]canvas.Operation, 0, 3)
	for i, id := range []string{"n1", "n2", "n3"} {
		op := createOp(id)
		op.ID = "op_" + id
		op.Sequence = int64(i + 1)
		op.OriginTabID = "tab_other"
		ops = append(ops, op)
	}
	h.pipeline.HandleBatch(wire.CanvasOperationBatch{ProjectID: "proj-1", BatchID: "b1", Operations: ops})

	if h.store.Len() != 3 {
		t.Fatalf("expected 3 nodes applied, got %d", h.store.Len())
	}
	select {
	case ev := <-flushes:
		if ev.Payload.(int) != 3 {
			t.Fatalf("expected flush count 3, got %v", ev.Payload)
		}
	default:
		t.Fatalf("no flush published")
	}
	select {
	case <-flushes:
		t.Fatalf("batch published more than one flush")
	default:
	}
}

func TestRemoteUnknownKindSkipped(t *testing.T) {
	h := newPipelineHarness(t)

	op := canvas.MustOperation(canvas.Kind("node_teleport"), map[string]string{"nodeId": "n1"})
	op.ID = "op_future"
	op.Sequence = 4
	op.OriginTabID = "tab_other"
	h.pipeline.HandleRemote(op)

	if h.store.Len() != 0 {
		t.Fatalf("unknown kind mutated store")
	}
	if got := h.pipeline.Sequence(); got != 4 {
		t.Fatalf("sequence did not advance past skipped op: %d", got)
	}
}
