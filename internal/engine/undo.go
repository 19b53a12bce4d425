package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mediacanvas/canvassync/internal/wire"
)

// Transaction brackets a bundle of operations the server must undo and redo
// atomically (a multi-node drag, a grouped delete). At most one exists at a
// time.
type Transaction struct {
	ID           string
	Source       string
	StartedAt    time.Time
	OperationIDs []string
}

// UndoCoordinator delegates undo/redo authority to the server. The client
// never replays its own inverse operations; it mirrors the server-held
// history state and forwards requests, one in flight at a time.
type UndoCoordinator struct {
	bus    *Bus
	logger Logger
	userID func() string
	send   func(context.Context, wire.Envelope) error

	mu      sync.Mutex
	pending string // "undo", "redo" or ""
	state   wire.UndoState
	txn     *Transaction
}

func NewUndoCoordinator(ctx *EngineContext, userID func() string, send func(context.Context, wire.Envelope) error) *UndoCoordinator {
	return &UndoCoordinator{
		bus:    ctx.Bus,
		logger: ctx.Logger,
		userID: userID,
		send:   send,
	}
}

// State returns the mirrored undo/redo availability. It is never
// authoritative; only server pushes and request results update it.
func (u *UndoCoordinator) State() wire.UndoState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Undo requests one undo from the server. Refused locally when the mirror
// says there is nothing to undo or another request is still pending.
func (u *UndoCoordinator) Undo(ctx context.Context) error {
	return u.request(ctx, "undo", wire.EventUndoOperation, func(s wire.UndoState) bool { return s.CanUndo })
}

// Redo requests one redo from the server under the same guards as Undo.
func (u *UndoCoordinator) Redo(ctx context.Context) error {
	return u.request(ctx, "redo", wire.EventRedoOperation, func(s wire.UndoState) bool { return s.CanRedo })
}

func (u *UndoCoordinator) request(ctx context.Context, kind, event string, allowed func(wire.UndoState) bool) error {
	u.mu.Lock()
	if u.pending != "" {
		u.mu.Unlock()
		return fmt.Errorf("%w: %s in flight", ErrRequestPending, u.pending)
	}
	if !allowed(u.state) {
		u.mu.Unlock()
		return fmt.Errorf("%w: nothing to %s", ErrNotAllowed, kind)
	}
	u.pending = kind
	u.mu.Unlock()

	env, err := wire.NewEnvelope(event, struct{}{})
	if err == nil {
		err = u.send(ctx, env)
	}
	if err != nil {
		u.clearPending()
		return fmt.Errorf("%s request: %w", kind, err)
	}
	return nil
}

func (u *UndoCoordinator) clearPending() {
	u.mu.Lock()
	u.pending = ""
	u.mu.Unlock()
}

// ResetPending abandons the in-flight request. Called on disconnect; the
// result cannot arrive on a new connection.
func (u *UndoCoordinator) ResetPending() {
	u.clearPending()
}

// Pending reports which request, if any, is awaiting a server response.
func (u *UndoCoordinator) Pending() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending
}

// HandleResult resolves the in-flight request. Success and failure both
// adopt the server-supplied undo state; the mirror is never guessed.
func (u *UndoCoordinator) HandleResult(kind string, success bool, result wire.UndoResult) {
	u.mu.Lock()
	u.pending = ""
	u.state = result.UndoState
	u.mu.Unlock()

	u.bus.Publish(TopicUndoState, result.UndoState)
	if !success {
		reason := result.Reason
		if reason == "" {
			reason = "rejected"
		}
		u.logger.Printf("%s failed: %s", kind, reason)
		u.bus.Publish(TopicNotification, Notification{Level: "warn", Message: kind + " failed: " + reason})
	}
}

// HandleStateUpdate adopts a pushed undo-state mirror (another tab of this
// user changed history).
func (u *UndoCoordinator) HandleStateUpdate(state wire.UndoState) {
	u.mu.Lock()
	u.state = state
	u.mu.Unlock()
	u.bus.Publish(TopicUndoState, state)
}

// HandleRemote reacts to another session's undo or redo. Same-user pushes
// update the mirror implicitly via undo_state_update and get a low-emphasis
// notification; other users' pushes produce a transient highlight of the
// affected nodes. Neither path re-applies anything: the resulting canvas
// state arrives through the normal operation broadcast channel.
func (u *UndoCoordinator) HandleRemote(kind string, remote wire.RemoteUndo) {
	if remote.UserID == u.userID() {
		u.bus.Publish(TopicNotification, Notification{Level: "info", Message: kind + " from another tab"})
		return
	}
	if len(remote.AffectedNodeIDs) > 0 {
		u.bus.Publish(TopicHighlight, remote.AffectedNodeIDs)
	}
	name := remote.DisplayName
	if name == "" {
		name = remote.UserID
	}
	u.bus.Publish(TopicNotification, Notification{Level: "info", Message: name + " performed " + kind})
}

// BeginTransaction asks the server to open an undo unit. Only one may be
// open at a time.
func (u *UndoCoordinator) BeginTransaction(ctx context.Context, source string) error {
	u.mu.Lock()
	if u.txn != nil {
		u.mu.Unlock()
		return fmt.Errorf("%w: transaction already open", ErrInvalidState)
	}
	u.txn = &Transaction{Source: source, StartedAt: time.Now()}
	u.mu.Unlock()

	env, err := wire.NewEnvelope(wire.EventBeginTransaction, wire.BeginTransaction{Source: source})
	if err == nil {
		err = u.send(ctx, env)
	}
	if err != nil {
		u.mu.Lock()
		u.txn = nil
		u.mu.Unlock()
		return fmt.Errorf("begin transaction: %w", err)
	}
	return nil
}

// HandleTransactionStarted records the server-assigned transaction id.
func (u *UndoCoordinator) HandleTransactionStarted(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.txn != nil {
		u.txn.ID = id
	}
}

// CurrentTransactionID tags operations executed while a transaction is open.
func (u *UndoCoordinator) CurrentTransactionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.txn == nil {
		return ""
	}
	return u.txn.ID
}

// TrackOperation associates an executed operation with the open transaction.
func (u *UndoCoordinator) TrackOperation(opID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.txn != nil {
		u.txn.OperationIDs = append(u.txn.OperationIDs, opID)
	}
}

// CommitTransaction closes the open undo unit.
func (u *UndoCoordinator) CommitTransaction(ctx context.Context) error {
	return u.endTransaction(ctx, wire.EventCommitTransaction)
}

// AbortTransaction abandons the open undo unit.
func (u *UndoCoordinator) AbortTransaction(ctx context.Context) error {
	return u.endTransaction(ctx, wire.EventAbortTransaction)
}

func (u *UndoCoordinator) endTransaction(ctx context.Context, event string) error {
	u.mu.Lock()
	if u.txn == nil {
		u.mu.Unlock()
		return fmt.Errorf("%w: no open transaction", ErrInvalidState)
	}
	u.txn = nil
	u.mu.Unlock()

	env, err := wire.NewEnvelope(event, struct{}{})
	if err == nil {
		err = u.send(ctx, env)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return nil
}
