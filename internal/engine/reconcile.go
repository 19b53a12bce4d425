package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mediacanvas/canvassync/internal/canvas"
	"github.com/mediacanvas/canvassync/internal/wire"
)

// SyncCheckpoint anchors one reconciliation round: the sequence the client
// believes it has reached and the fingerprint of its state at that point.
type SyncCheckpoint struct {
	SequenceNumber int64
	StateHash      string
}

// ReconciliationEngine periodically compares the local state fingerprint
// against the server record and corrects drift, by replaying missed
// operations when the server can supply them or by a full snapshot rebuild
// when it cannot. It runs beside the hot path, never on it.
type ReconciliationEngine struct {
	interval  time.Duration
	projectID string
	store     *canvas.Store
	pipeline  *OperationPipeline
	bus       *Bus
	logger    Logger
	resources *ResourceManager

	connected    func() bool
	sessionValid func() bool
	invalidate   func()
	send         func(context.Context, wire.Envelope) error

	mu         sync.Mutex
	cancelTick func()
}

// ReconcilerDeps are the readiness checks and the send path.
type ReconcilerDeps struct {
	Connected    func() bool
	SessionValid func() bool
	// Invalidate defensively clears the session-valid flag; called when a
	// tick finds the transport down so the next connect must re-join.
	Invalidate func()
	Send       func(context.Context, wire.Envelope) error
}

func NewReconciliationEngine(ctx *EngineContext, store *canvas.Store, pipeline *OperationPipeline, deps ReconcilerDeps) *ReconciliationEngine {
	return &ReconciliationEngine{
		interval:     ctx.Config.SyncInterval,
		projectID:    ctx.Config.ProjectID,
		store:        store,
		pipeline:     pipeline,
		bus:          ctx.Bus,
		logger:       ctx.Logger,
		resources:    ctx.Resources,
		connected:    deps.Connected,
		sessionValid: deps.SessionValid,
		invalidate:   deps.Invalidate,
		send:         deps.Send,
	}
}

func (r *ReconciliationEngine) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancelTick != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	cancel := r.resources.Every(r.interval, func() {
		r.Tick(ctx)
	})
	r.mu.Lock()
	r.cancelTick = cancel
	r.mu.Unlock()
}

func (r *ReconciliationEngine) Stop() {
	r.mu.Lock()
	cancel := r.cancelTick
	r.cancelTick = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Tick runs one reconciliation round. Unmet preconditions make it a silent
// no-op, not an error.
func (r *ReconciliationEngine) Tick(ctx context.Context) {
	if !r.connected() {
		// Transport is down; the session cannot be trusted either.
		r.invalidate()
		return
	}
	if !r.sessionValid() {
		return
	}
	checkpoint := r.Checkpoint()
	env, err := wire.NewEnvelope(wire.EventSyncCheck, wire.SyncCheck{
		ProjectID:      r.projectID,
		SequenceNumber: checkpoint.SequenceNumber,
		StateHash:      checkpoint.StateHash,
		Timestamp:      time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := r.send(ctx, env); err != nil {
		r.logger.Printf("sync check send failed: %v", err)
	}
}

// Checkpoint recomputes the reconciliation anchor.
func (r *ReconciliationEngine) Checkpoint() SyncCheckpoint {
	return SyncCheckpoint{
		SequenceNumber: r.pipeline.Sequence(),
		StateHash:      r.store.Fingerprint(),
	}
}

// HandleSyncResponse applies the server's verdict: replay the missed
// operations in order, or fall back to requesting a full snapshot when the
// server reports divergence without a replayable list.
func (r *ReconciliationEngine) HandleSyncResponse(ctx context.Context, resp wire.SyncResponse) {
	defer r.pipeline.AdvanceTo(resp.LatestSequence)

	if !resp.NeedsSync {
		return
	}
	if resp.MissedOperations == nil {
		r.logger.Printf("divergence beyond replay window, requesting full state")
		r.requestFullState(ctx)
		return
	}
	r.logger.Printf("replaying %d missed operations", len(resp.MissedOperations))
	r.pipeline.HandleBatch(wire.CanvasOperationBatch{
		ProjectID:  resp.ProjectID,
		Operations: resp.MissedOperations,
	})
}

func (r *ReconciliationEngine) requestFullState(ctx context.Context) {
	env, err := wire.NewEnvelope(wire.EventRequestProjectState, wire.RequestProjectState{ProjectID: r.projectID})
	if err != nil {
		return
	}
	if err := r.send(ctx, env); err != nil {
		r.logger.Printf("request project state failed: %v", err)
	}
}

// HandleProjectState installs a full snapshot, discarding local state.
func (r *ReconciliationEngine) HandleProjectState(state wire.ProjectState) {
	r.store.ReplaceAll(state.Nodes, state.Viewport)
	r.bus.Publish(TopicResynced, len(state.Nodes))
	r.bus.Publish(TopicFlush, len(state.Nodes))
}
