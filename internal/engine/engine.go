// Package engine implements the client-side real-time synchronization
// engine for a shared media canvas: connection lifecycle, operation
// broadcast and deduplication, periodic reconciliation against server
// state, and server-authoritative undo/redo coordination.
package engine

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mediacanvas/canvassync/internal/canvas"
	"github.com/mediacanvas/canvassync/internal/wire"
)

// Engine assembles the components and routes server events between them.
// Hosts embed it: rendering, media handling and UI are external
// collaborators that consume the bus and call Execute.
type Engine struct {
	ctx        *EngineContext
	identity   *IdentityStore
	store      *canvas.Store
	conn       *ConnectionManager
	heartbeat  *HeartbeatMonitor
	pipeline   *OperationPipeline
	reconciler *ReconciliationEngine
	undo       *UndoCoordinator
	boundary   *ErrorBoundary

	mu           sync.Mutex
	session      Session
	sessionValid bool
	joining      bool
	activeUsers  []wire.UserInfo
}

// New builds an engine from cfg. Passing a nil transport selects the
// production websocket transport; tests supply fakes.
func New(cfg Config, transport Transport) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	identity, err := OpenIdentityStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	tabID, err := identity.TabID()
	if err != nil {
		_ = identity.Close()
		return nil, err
	}
	if cfg.DisplayName == "" {
		seed, err := identity.DisplayNameSeed()
		if err != nil {
			_ = identity.Close()
			return nil, err
		}
		cfg.DisplayName = cfg.Username + "-" + seed
	}
	if transport == nil {
		transport = NewWebsocketTransport()
	}

	ctx := newEngineContext(cfg, tabID)
	e := &Engine{
		ctx:      ctx,
		identity: identity,
		store:    canvas.NewStore(),
		boundary: NewErrorBoundary(3, 0, ctx.Logger),
	}
	e.session = Session{
		SessionID:   "sess_" + uuid.NewString(),
		TabID:       tabID,
		UserID:      cfg.Username,
		DisplayName: cfg.DisplayName,
	}

	e.conn = NewConnectionManager(ctx, transport)
	e.undo = NewUndoCoordinator(ctx, e.userID, e.conn.Send)
	e.pipeline = NewOperationPipeline(ctx, e.store, PipelineDeps{
		UserID:        e.userID,
		TransactionID: e.undo.CurrentTransactionID,
		Ready:         e.ready,
		Send:          e.conn.Send,
	})
	e.reconciler = NewReconciliationEngine(ctx, e.store, e.pipeline, ReconcilerDeps{
		Connected:    func() bool { return e.conn.State() == StateConnected },
		SessionValid: e.SessionValid,
		Invalidate:   e.invalidateSession,
		Send:         e.conn.Send,
	})
	e.heartbeat = NewHeartbeatMonitor(ctx, e.conn.Send, func() {
		e.invalidateSession()
		e.conn.Cycle(context.Background())
	})
	e.conn.SetHandlers(e.handleConnected, e.dispatch, e.handleDisconnected)
	return e, nil
}

// Start connects and begins the background loops. A failed initial dial is
// not fatal; the reconnect schedule takes over.
func (e *Engine) Start(ctx context.Context) error {
	e.pipeline.Start()
	e.reconciler.Start(ctx)
	if err := e.conn.Connect(ctx); err != nil {
		e.ctx.Logger.Printf("initial connect failed, retrying in background: %v", err)
	}
	return nil
}

// Stop tears the engine down: manual disconnect, all timers canceled as one
// unit, identity store closed.
func (e *Engine) Stop() {
	e.heartbeat.Stop()
	e.reconciler.Stop()
	e.pipeline.Stop()
	e.conn.Disconnect(true)
	e.ctx.Resources.CloseAll()
	_ = e.identity.Close()
}

func (e *Engine) userID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.UserID
}

func (e *Engine) ready() bool {
	return e.conn.State() == StateConnected && e.SessionValid()
}

// SessionValid reports whether this tab holds an authenticated project
// session.
func (e *Engine) SessionValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionValid
}

func (e *Engine) invalidateSession() {
	e.mu.Lock()
	e.sessionValid = false
	e.mu.Unlock()
}

// Session returns the current session identity.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// TabID returns the stable per-tab identifier.
func (e *Engine) TabID() string { return e.ctx.TabID }

// Store exposes the canvas state for read access and rendering.
func (e *Engine) Store() *canvas.Store { return e.store }

// ConnectionState reports the transport state machine's current state.
func (e *Engine) ConnectionState() ConnState { return e.conn.State() }

// ConnectionQuality reports the heartbeat-derived quality class.
func (e *Engine) ConnectionQuality() Quality { return e.heartbeat.Quality() }

// Subscribe attaches to an engine bus topic.
func (e *Engine) Subscribe(topic Topic, buffer int) (<-chan Event, func()) {
	return e.ctx.Bus.Subscribe(topic, buffer)
}

// TriggerResume is the host's hook for visibility/focus/network-online
// signals.
func (e *Engine) TriggerResume(ctx context.Context) { e.conn.TriggerResume(ctx) }

// EnableReconnect re-arms auto-reconnection after a manual disconnect.
func (e *Engine) EnableReconnect() { e.conn.EnableReconnect() }

// Disconnect manually drops the connection and disables auto-reconnect.
func (e *Engine) Disconnect() { e.conn.Disconnect(true) }

// Execute creates, locally applies and broadcasts an operation of the given
// kind. It is the single entry point external collaborators use.
func (e *Engine) Execute(ctx context.Context, kind canvas.Kind, payload any, ec ExecContext) (canvas.Operation, error) {
	op, err := canvas.NewOperation(kind, payload)
	if err != nil {
		return canvas.Operation{}, err
	}
	op, err = e.pipeline.Execute(ctx, op, ec)
	if err != nil {
		return canvas.Operation{}, err
	}
	if op.TransactionID != "" {
		e.undo.TrackOperation(op.ID)
	}
	return op, nil
}

// Undo, Redo and the transaction brackets delegate to the coordinator.
func (e *Engine) Undo(ctx context.Context) error { return e.undo.Undo(ctx) }
func (e *Engine) Redo(ctx context.Context) error { return e.undo.Redo(ctx) }
func (e *Engine) UndoState() wire.UndoState      { return e.undo.State() }

func (e *Engine) BeginTransaction(ctx context.Context, source string) error {
	return e.undo.BeginTransaction(ctx, source)
}
func (e *Engine) CommitTransaction(ctx context.Context) error { return e.undo.CommitTransaction(ctx) }
func (e *Engine) AbortTransaction(ctx context.Context) error  { return e.undo.AbortTransaction(ctx) }

// ActiveUsers returns the last server-pushed presence list.
func (e *Engine) ActiveUsers() []wire.UserInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]wire.UserInfo(nil), e.activeUsers...)
}

func (e *Engine) handleConnected(_ Conn) {
	e.boundary.Go(context.Background(), "join", func(ctx context.Context) error {
		e.joinProject(ctx)
		return nil
	})
}

// handleDisconnected clears every per-connection guard: a join or undo
// request in flight when the connection dropped will never be answered on
// the next one.
func (e *Engine) handleDisconnected(DisconnectReason) {
	e.invalidateSession()
	e.mu.Lock()
	e.joining = false
	e.mu.Unlock()
	e.heartbeat.Stop()
	e.undo.ResetPending()
}

// joinProject sends join_project unless a join is already in flight. The
// guard is cleared when project_joined or an error arrives, on send failure,
// and on disconnect.
func (e *Engine) joinProject(ctx context.Context) {
	e.mu.Lock()
	if e.joining {
		e.mu.Unlock()
		return
	}
	e.joining = true
	session := e.session
	e.mu.Unlock()

	env, err := wire.NewEnvelope(wire.EventJoinProject, wire.JoinProject{
		ProjectID:   e.ctx.Config.ProjectID,
		Username:    e.ctx.Config.Username,
		DisplayName: session.DisplayName,
		TabID:       e.ctx.TabID,
	})
	if err == nil {
		err = e.conn.Send(ctx, env)
	}
	if err != nil {
		e.mu.Lock()
		e.joining = false
		e.mu.Unlock()
		e.ctx.Logger.Printf("join failed: %v", err)
	}
}

func (e *Engine) handleProjectJoined(joined wire.ProjectJoined) {
	e.mu.Lock()
	e.joining = false
	e.sessionValid = true
	if joined.Session.SessionID != "" {
		e.session.SessionID = joined.Session.SessionID
	}
	if joined.Session.UserID != "" {
		e.session.UserID = joined.Session.UserID
	}
	e.mu.Unlock()

	e.store.ReplaceAll(joined.Project.Nodes, joined.Project.Viewport)
	e.pipeline.AdvanceTo(joined.SequenceNumber)
	e.pipeline.ReapplyPending()
	e.heartbeat.Start(context.Background())
	e.pipeline.FlushPending(context.Background())
	e.ctx.Bus.Publish(TopicResynced, len(joined.Project.Nodes))
	e.ctx.Logger.Printf("joined project %s at sequence %d", joined.Project.ID, joined.SequenceNumber)
}

// dispatch routes every inbound envelope. Decode failures and unknown
// events are logged and skipped; nothing here may take the engine down.
func (e *Engine) dispatch(env wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			e.ctx.Logger.Printf("dispatch %s panicked: %v", env.Event, r)
		}
	}()
	switch env.Event {
	case wire.EventProjectJoined:
		var joined wire.ProjectJoined
		if e.decode(env, &joined) {
			e.handleProjectJoined(joined)
		}
	case wire.EventError:
		var msg wire.ErrorMessage
		if e.decode(env, &msg) {
			e.handleServerError(msg)
		}
	case wire.EventCanvasOperation:
		var co wire.CanvasOperation
		if e.decode(env, &co) {
			e.pipeline.HandleRemote(co.Operation)
		}
	case wire.EventCanvasOperationBatch:
		var batch wire.CanvasOperationBatch
		if e.decode(env, &batch) {
			e.pipeline.HandleBatch(batch)
		}
	case wire.EventSyncResponse:
		var resp wire.SyncResponse
		if e.decode(env, &resp) {
			e.reconciler.HandleSyncResponse(context.Background(), resp)
		}
	case wire.EventProjectState:
		var state wire.ProjectState
		if e.decode(env, &state) {
			e.reconciler.HandleProjectState(state)
		}
	case wire.EventUndoSuccess:
		e.undoResult("undo", true, env)
	case wire.EventUndoFailed:
		e.undoResult("undo", false, env)
	case wire.EventRedoSuccess:
		e.undoResult("redo", true, env)
	case wire.EventRedoFailed:
		e.undoResult("redo", false, env)
	case wire.EventUndoStateUpdate:
		var update wire.UndoStateUpdate
		if e.decode(env, &update) {
			e.undo.HandleStateUpdate(update.UndoState)
		}
	case wire.EventRemoteUndo:
		var remote wire.RemoteUndo
		if e.decode(env, &remote) {
			e.undo.HandleRemote("undo", remote)
		}
	case wire.EventRemoteRedo:
		var remote wire.RemoteUndo
		if e.decode(env, &remote) {
			e.undo.HandleRemote("redo", remote)
		}
	case wire.EventTransactionStarted:
		var started wire.TransactionStarted
		if e.decode(env, &started) {
			e.undo.HandleTransactionStarted(started.TransactionID)
		}
	case wire.EventTransactionCommitted, wire.EventTransactionAborted:
		// Informational; the coordinator already closed the local bracket.
	case wire.EventPong:
		var pong wire.Pong
		if e.decode(env, &pong) {
			e.heartbeat.HandlePong(pong.Timestamp)
		}
	case wire.EventActiveUsers:
		var users wire.ActiveUsers
		if e.decode(env, &users) {
			e.mu.Lock()
			e.activeUsers = users.Users
			e.mu.Unlock()
		}
	case wire.EventUserJoined:
		var joined wire.UserJoined
		if e.decode(env, &joined) {
			e.ctx.Bus.Publish(TopicNotification, Notification{Level: "info", Message: joined.User.DisplayName + " joined"})
		}
	case wire.EventUserLeft:
		var left wire.UserLeft
		if e.decode(env, &left) {
			e.ctx.Bus.Publish(TopicNotification, Notification{Level: "info", Message: left.User.DisplayName + " left"})
		}
	default:
		e.ctx.Logger.Printf("ignoring unknown event %q", env.Event)
	}
}

func (e *Engine) undoResult(kind string, success bool, env wire.Envelope) {
	var result wire.UndoResult
	if e.decode(env, &result) {
		e.undo.HandleResult(kind, success, result)
	}
}

func (e *Engine) decode(env wire.Envelope, v any) bool {
	if err := env.DecodePayload(v); err != nil {
		e.ctx.Logger.Printf("%v", err)
		return false
	}
	return true
}

// handleServerError distinguishes session errors, which invalidate the
// local session and trigger a rejoin with the same credentials, from
// per-operation rejections, which degrade without user intervention.
func (e *Engine) handleServerError(msg wire.ErrorMessage) {
	lower := strings.ToLower(msg.Message)
	if strings.Contains(lower, "not authenticated") || strings.Contains(lower, "unknown session") {
		e.ctx.Logger.Printf("session rejected (%s); rejoining", msg.Message)
		e.invalidateSession()
		e.mu.Lock()
		e.joining = false
		e.mu.Unlock()
		if e.conn.State() == StateConnected {
			e.joinProject(context.Background())
		}
		return
	}
	e.ctx.Logger.Printf("server error: %s", msg.Message)
}
