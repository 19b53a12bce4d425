package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediacanvas/canvassync/internal/canvas"
	"github.com/mediacanvas/canvassync/internal/wire"
)

// ExecContext modifies how Execute treats one operation.
type ExecContext struct {
	// Broadcast sends the operation to the server after local apply.
	Broadcast bool
	// RecordUndo marks the operation as part of server-held undo history.
	// When false the operation is flagged transient and the server keeps it
	// out of the undo stacks (viewport pans, previews).
	RecordUndo bool
}

type seqKindKey struct {
	seq  int64
	kind canvas.Kind
}

// OperationPipeline creates, optimistically applies, sequences, dedups and
// broadcasts local operations, and applies remote operations while
// suppressing echoes of this tab's own writes.
type OperationPipeline struct {
	store     *canvas.Store
	bus       *Bus
	logger    Logger
	resources *ResourceManager

	tabID       string
	projectID   string
	dedupWindow time.Duration
	maxPending  int

	userID func() string
	txnID  func() string
	ready  func() bool
	send   func(context.Context, wire.Envelope) error

	mu             sync.Mutex
	seq            int64
	seenIDs        map[string]time.Time
	seenSeqKinds   map[seqKindKey]time.Time
	pending        []canvas.Operation
	applyingRemote bool
	cancelEviction func()
}

func NewOperationPipeline(ctx *EngineContext, store *canvas.Store, deps PipelineDeps) *OperationPipeline {
	return &OperationPipeline{
		store:        store,
		bus:          ctx.Bus,
		logger:       ctx.Logger,
		resources:    ctx.Resources,
		tabID:        ctx.TabID,
		projectID:    ctx.Config.ProjectID,
		dedupWindow:  ctx.Config.DedupWindow,
		maxPending:   ctx.Config.MaxPendingOps,
		userID:       deps.UserID,
		txnID:        deps.TransactionID,
		ready:        deps.Ready,
		send:         deps.Send,
		seenIDs:      map[string]time.Time{},
		seenSeqKinds: map[seqKindKey]time.Time{},
	}
}

// PipelineDeps are the collaborator hooks the pipeline needs: session
// identity, the open transaction id, transport readiness, and the send path.
type PipelineDeps struct {
	UserID        func() string
	TransactionID func() string
	Ready         func() bool
	Send          func(context.Context, wire.Envelope) error
}

// Start begins periodic eviction of the bounded dedup sets.
func (p *OperationPipeline) Start() {
	interval := p.dedupWindow / 2
	if interval < time.Second {
		interval = time.Second
	}
	cancel := p.resources.Every(interval, p.evictSeen)
	p.mu.Lock()
	p.cancelEviction = cancel
	p.mu.Unlock()
}

func (p *OperationPipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancelEviction
	p.cancelEviction = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *OperationPipeline) evictSeen() {
	cutoff := time.Now().Add(-p.dedupWindow)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, seen := range p.seenIDs {
		if seen.Before(cutoff) {
			delete(p.seenIDs, id)
		}
	}
	for key, seen := range p.seenSeqKinds {
		if seen.Before(cutoff) {
			delete(p.seenSeqKinds, key)
		}
	}
}

// Execute applies op locally before any network confirmation, assigns a
// provisional sequence, and broadcasts it (or queues it while offline). The
// returned operation carries the filled identity and sequencing fields.
func (p *OperationPipeline) Execute(ctx context.Context, op canvas.Operation, ec ExecContext) (canvas.Operation, error) {
	if op.ID == "" {
		op.ID = "op_" + uuid.NewString()
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	op.OriginTabID = p.tabID
	op.OriginUserID = p.userID()
	if txn := p.txnID(); txn != "" {
		op.TransactionID = txn
	}
	op.Transient = !ec.RecordUndo

	p.mu.Lock()
	p.seq++
	op.Sequence = p.seq
	suppressBroadcast := p.applyingRemote
	p.mu.Unlock()

	if err := p.store.Apply(op); err != nil {
		return canvas.Operation{}, fmt.Errorf("execute %s: %w", op.Kind, err)
	}
	// Dedup a local op by id only. Its sequence is provisional: the server
	// hands that same number to the next operation it accepts, so a
	// (sequence, kind) entry here would suppress that op's first delivery.
	p.mu.Lock()
	p.seenIDs[op.ID] = time.Now()
	p.mu.Unlock()

	if !ec.Broadcast || suppressBroadcast {
		return op, nil
	}
	p.broadcast(ctx, op)
	return op, nil
}

func (p *OperationPipeline) broadcast(ctx context.Context, op canvas.Operation) {
	if !p.ready() {
		p.enqueue(op)
		return
	}
	env, err := wire.NewEnvelope(wire.EventCanvasOperation, wire.CanvasOperation{ProjectID: p.projectID, Operation: op})
	if err != nil {
		p.logger.Printf("encode operation %s: %v", op.ID, err)
		return
	}
	if err := p.send(ctx, env); err != nil {
		if errors.Is(err, ErrNotConnected) {
			p.enqueue(op)
			return
		}
		p.logger.Printf("broadcast %s failed: %v", op.ID, err)
		p.enqueue(op)
	}
}

// enqueue holds an operation in FIFO order until the connection and session
// are re-established.
func (p *OperationPipeline) enqueue(op canvas.Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) >= p.maxPending {
		dropped := p.pending[0]
		p.pending = p.pending[1:]
		p.logger.Printf("pending queue full, dropping oldest op %s", dropped.ID)
	}
	p.pending = append(p.pending, op)
}

// PendingCount reports the number of queued, not yet broadcast operations.
func (p *OperationPipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// FlushPending sends all queued operations, in order, as one batch. Called
// after a reconnect once the session is validated.
func (p *OperationPipeline) FlushPending(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	ops := p.pending
	p.pending = nil
	p.mu.Unlock()

	batch := wire.CanvasOperationBatch{
		ProjectID:  p.projectID,
		BatchID:    "batch_" + uuid.NewString(),
		Operations: ops,
	}
	env, err := wire.NewEnvelope(wire.EventCanvasOperationBatch, batch)
	if err != nil {
		p.logger.Printf("encode pending batch: %v", err)
		return
	}
	if err := p.send(ctx, env); err != nil {
		p.logger.Printf("flush pending failed, requeueing %d ops: %v", len(ops), err)
		p.mu.Lock()
		p.pending = append(ops, p.pending...)
		p.mu.Unlock()
		return
	}
	p.logger.Printf("flushed %d queued operations", len(ops))
}

// ReapplyPending replays the queued offline operations onto the store.
// Called after a rejoin snapshot install: the snapshot predates the queued
// edits and their eventual server echoes are suppressed by tab id, so
// without the replay the user's own offline edits vanish from the canvas.
func (p *OperationPipeline) ReapplyPending() {
	p.mu.Lock()
	ops := append([]canvas.Operation(nil), p.pending...)
	p.mu.Unlock()
	for _, op := range ops {
		if err := p.store.Apply(op); err != nil {
			p.logger.Printf("reapply queued op %s: %v", op.ID, err)
		}
	}
}

// HandleRemote processes one remotely delivered operation and signals one
// redraw flush if it changed state.
func (p *OperationPipeline) HandleRemote(op canvas.Operation) {
	if p.applyRemote(op) {
		p.bus.Publish(TopicFlush, 1)
	}
}

// HandleBatch processes every member of a batch individually, then signals
// a single flush so side effects run once for the whole batch.
func (p *OperationPipeline) HandleBatch(batch wire.CanvasOperationBatch) {
	applied := 0
	for _, op := range batch.Operations {
		if p.applyRemote(op) {
			applied++
		}
	}
	p.bus.Publish(TopicFlush, applied)
}

// applyRemote applies a remote operation unless it is this tab's own echo or
// a duplicate. The local sequence counter advances to max(local, received)
// on every delivery, including suppressed ones, so it never regresses.
func (p *OperationPipeline) applyRemote(op canvas.Operation) bool {
	p.mu.Lock()
	if op.Sequence > p.seq {
		p.seq = op.Sequence
	}
	if op.OriginTabID == p.tabID {
		// The server's echo of this tab's own write.
		p.seenIDs[op.ID] = time.Now()
		p.mu.Unlock()
		return false
	}
	if p.isSeenLocked(op) {
		p.mu.Unlock()
		return false
	}
	p.applyingRemote = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.applyingRemote = false
		p.mu.Unlock()
	}()

	if err := p.store.Apply(op); err != nil {
		switch {
		case errors.Is(err, canvas.ErrUnknownKind):
			p.logger.Printf("skipping unrecognized operation %s (%s)", op.ID, op.Kind)
		case errors.Is(err, canvas.ErrNodeNotFound):
			p.logger.Printf("skipping op %s: %v", op.ID, err)
		default:
			p.logger.Printf("apply remote op %s failed: %v", op.ID, err)
		}
		return false
	}
	p.markSeen(op)
	p.bus.Publish(TopicOperationApplied, op)
	return true
}

func (p *OperationPipeline) isSeenLocked(op canvas.Operation) bool {
	if op.ID != "" {
		if _, ok := p.seenIDs[op.ID]; ok {
			return true
		}
	}
	if op.Sequence > 0 {
		if _, ok := p.seenSeqKinds[seqKindKey{seq: op.Sequence, kind: op.Kind}]; ok {
			return true
		}
	}
	return false
}

// markSeen records a server-sequenced operation in both dedup sets.
func (p *OperationPipeline) markSeen(op canvas.Operation) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if op.ID != "" {
		p.seenIDs[op.ID] = now
	}
	if op.Sequence > 0 {
		p.seenSeqKinds[seqKindKey{seq: op.Sequence, kind: op.Kind}] = now
	}
}

// Sequence returns the highest sequence number observed or assigned.
func (p *OperationPipeline) Sequence() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// AdvanceTo raises the local sequence counter; it never lowers it.
func (p *OperationPipeline) AdvanceTo(seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.seq {
		p.seq = seq
	}
}
