package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mediacanvas/canvassync/internal/canvas"
	"github.com/mediacanvas/canvassync/internal/wire"
)

const (
	maxMessageBytes   = 1 << 20
	writeTimeout      = 5 * time.Second
	recentIDCapacity  = 2048
	defaultReplayKeep = 1024
)

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// session is one connected tab. A session is unauthenticated until its
// join_project is accepted; every other event is rejected before that.
type session struct {
	id          string
	userID      string
	tabID       string
	displayName string
	projectID   string
	joined      bool

	conn    *websocket.Conn
	writeMu sync.Mutex

	txn *openTransaction
}

type HubOptions struct {
	Logger       Logger
	OpLog        OpLog
	ReplayWindow int
}

// Hub owns all projects and sessions and is the single http.Handler for
// the sync endpoint.
type Hub struct {
	logger    Logger
	oplog     OpLog
	validator *OperationValidator

	mu       sync.Mutex
	projects map[string]*project

	// recent op ids per project, for duplicate suppression after client
	// reconnect flushes
	recent      map[string]map[string]struct{}
	recentOrder map[string][]string
}

func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.OpLog == nil {
		opts.OpLog = NewMemoryOpLog(defaultReplayKeep)
	}
	validator, err := NewOperationValidator()
	if err != nil {
		return nil, err
	}
	return &Hub{
		logger:      opts.Logger,
		oplog:       opts.OpLog,
		validator:   validator,
		projects:    make(map[string]*project),
		recent:      make(map[string]map[string]struct{}),
		recentOrder: make(map[string][]string),
	}, nil
}

func (h *Hub) Close() error {
	return h.oplog.Close()
}

// ServeHTTP upgrades the request and runs the session read loop until the
// peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	sess := &session{
		id:   "sess_" + uuid.NewString(),
		conn: conn,
	}
	defer func() {
		h.dropSession(sess)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		h.dispatch(ctx, sess, env)
	}
}

func (h *Hub) dispatch(ctx context.Context, sess *session, env wire.Envelope) {
	if env.Event != wire.EventJoinProject && env.Event != wire.EventPing && !sess.joined {
		h.sendError(ctx, sess, "not authenticated: join a project first")
		return
	}
	var err error
	switch env.Event {
	case wire.EventJoinProject:
		err = h.handleJoin(ctx, sess, env)
	case wire.EventPing:
		err = h.handlePing(ctx, sess, env)
	case wire.EventCanvasOperation:
		err = h.handleOperation(ctx, sess, env)
	case wire.EventCanvasOperationBatch:
		err = h.handleBatch(ctx, sess, env)
	case wire.EventSyncCheck:
		err = h.handleSyncCheck(ctx, sess, env)
	case wire.EventRequestProjectState:
		err = h.handleRequestState(ctx, sess)
	case wire.EventUndoOperation:
		err = h.handleUndoRedo(ctx, sess, "undo")
	case wire.EventRedoOperation:
		err = h.handleUndoRedo(ctx, sess, "redo")
	case wire.EventBeginTransaction:
		err = h.handleBeginTransaction(ctx, sess, env)
	case wire.EventCommitTransaction:
		err = h.handleCommitTransaction(ctx, sess)
	case wire.EventAbortTransaction:
		err = h.handleAbortTransaction(ctx, sess)
	default:
		h.logger.Printf("session %s sent unknown event %q", sess.id, env.Event)
		return
	}
	if err != nil {
		h.logger.Printf("event %s from session %s: %v", env.Event, sess.id, err)
		h.sendError(ctx, sess, err.Error())
	}
}

func (h *Hub) project(id string) *project {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.projects[id]
	if p == nil {
		p = newProject(id)
		h.projects[id] = p
	}
	return p
}

func (h *Hub) handleJoin(ctx context.Context, sess *session, env wire.Envelope) error {
	var join wire.JoinProject
	if err := env.DecodePayload(&join); err != nil {
		return err
	}
	if strings.TrimSpace(join.ProjectID) == "" || strings.TrimSpace(join.Username) == "" {
		return fmt.Errorf("%w: projectId and username are required", ErrInvalidInput)
	}
	if strings.TrimSpace(join.TabID) == "" {
		return fmt.Errorf("%w: tabId is required", ErrInvalidInput)
	}

	p := h.project(join.ProjectID)
	p.mu.Lock()
	sess.userID = join.Username
	sess.tabID = join.TabID
	sess.displayName = join.DisplayName
	if sess.displayName == "" {
		sess.displayName = join.Username
	}
	sess.projectID = join.ProjectID
	sess.joined = true
	p.sessions[sess.id] = sess

	joined := wire.ProjectJoined{
		Project: wire.ProjectInfo{
			ID:       p.id,
			Nodes:    p.store.Snapshot(),
			Viewport: p.store.Viewport(),
		},
		Session: wire.UserInfo{
			UserID:      sess.userID,
			DisplayName: sess.displayName,
			TabID:       sess.tabID,
			SessionID:   sess.id,
		},
		SequenceNumber: p.seq,
	}
	others := p.peersOf(sess)
	users := p.userList()
	p.mu.Unlock()

	if err := h.send(ctx, sess, wire.EventProjectJoined, joined); err != nil {
		return err
	}
	h.sendTo(ctx, others, wire.EventUserJoined, wire.UserJoined{User: joined.Session})
	h.sendTo(ctx, append(others, sess), wire.EventActiveUsers, wire.ActiveUsers{Users: users})
	h.send1(ctx, sess, wire.EventUndoStateUpdate, wire.UndoStateUpdate{UndoState: h.undoStateOf(p, sess.userID)})
	h.logger.Printf("session %s (%s/%s) joined project %s", sess.id, sess.userID, sess.tabID, p.id)
	return nil
}

func (h *Hub) undoStateOf(p *project, userID string) wire.UndoState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.undoState(userID)
}

func (h *Hub) handlePing(ctx context.Context, sess *session, env wire.Envelope) error {
	var ping wire.Ping
	if err := env.DecodePayload(&ping); err != nil {
		return err
	}
	return h.send(ctx, sess, wire.EventPong, wire.Pong{Timestamp: ping.Timestamp})
}

// rawOperation mirrors wire.CanvasOperation but defers decoding so the
// schema check sees the exact bytes the client sent.
type rawOperation struct {
	ProjectID string          `json:"projectId"`
	Operation json.RawMessage `json:"operation"`
}

func (h *Hub) decodeOperation(env wire.Envelope) (canvas.Operation, error) {
	var raw rawOperation
	if err := env.DecodePayload(&raw); err != nil {
		return canvas.Operation{}, err
	}
	if err := h.validator.Validate(raw.Operation); err != nil {
		return canvas.Operation{}, err
	}
	var op canvas.Operation
	if err := json.Unmarshal(raw.Operation, &op); err != nil {
		return canvas.Operation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return op, nil
}

func (h *Hub) handleOperation(ctx context.Context, sess *session, env wire.Envelope) error {
	op, err := h.decodeOperation(env)
	if err != nil {
		return err
	}
	p := h.project(sess.projectID)
	sequenced, recipients, err := h.applyClientOp(p, sess, op)
	if err != nil {
		return err
	}
	if recipients == nil {
		return nil // duplicate
	}
	h.sendTo(ctx, recipients, wire.EventCanvasOperation, wire.CanvasOperation{
		ProjectID: p.id,
		Operation: sequenced,
	})
	h.pushUndoState(ctx, p, sess.userID)
	return nil
}

func (h *Hub) handleBatch(ctx context.Context, sess *session, env wire.Envelope) error {
	var batch wire.CanvasOperationBatch
	if err := env.DecodePayload(&batch); err != nil {
		return err
	}
	p := h.project(sess.projectID)
	var sequenced []canvas.Operation
	var recipients []*session
	for _, op := range batch.Operations {
		out, peers, err := h.applyClientOp(p, sess, op)
		if err != nil {
			h.logger.Printf("batch %s: skipping operation %s: %v", batch.BatchID, op.ID, err)
			continue
		}
		if peers == nil {
			continue
		}
		recipients = peers
		sequenced = append(sequenced, out)
	}
	if len(sequenced) == 0 {
		return nil
	}
	h.sendTo(ctx, recipients, wire.EventCanvasOperationBatch, wire.CanvasOperationBatch{
		ProjectID:  p.id,
		BatchID:    batch.BatchID,
		Operations: sequenced,
	})
	h.pushUndoState(ctx, p, sess.userID)
	return nil
}

// applyClientOp is the single mutation funnel for client-submitted
// operations: duplicate check, inverse capture, sequencing, oplog append
// and undo bookkeeping all happen under the project lock. A nil recipients
// slice with a nil error means the op was a duplicate.
func (h *Hub) applyClientOp(p *project, sess *session, op canvas.Operation) (canvas.Operation, []*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.isDuplicate(p.id, op.ID) {
		return canvas.Operation{}, nil, nil
	}

	var entry undoEntry
	record := !op.Transient && op.Kind != canvas.KindViewportUpdate
	if record {
		inverse, nodeIDs, err := p.inverseOf(op)
		if err != nil {
			return canvas.Operation{}, nil, err
		}
		entry = undoEntry{ID: op.ID, Inverse: []canvas.Operation{inverse}, Forward: []canvas.Operation{op}, NodeIDs: nodeIDs}
	}

	op.OriginUserID = sess.userID
	sequenced, err := p.sequenceAndApply(op)
	if err != nil {
		return canvas.Operation{}, nil, err
	}
	h.markRecent(p.id, op.ID)
	if err := h.oplog.Append(p.id, sequenced); err != nil {
		h.logger.Printf("oplog append failed for project %s: %v", p.id, err)
	}

	if record {
		if sess.txn != nil && op.TransactionID == sess.txn.id {
			sess.txn.entries = append(sess.txn.entries, entry)
		} else {
			p.recordUndo(sess.userID, entry)
		}
	}
	return sequenced, p.allSessions(), nil
}

func (h *Hub) handleSyncCheck(ctx context.Context, sess *session, env wire.Envelope) error {
	var check wire.SyncCheck
	if err := env.DecodePayload(&check); err != nil {
		return err
	}
	p := h.project(sess.projectID)
	p.mu.Lock()
	latest := p.seq
	hash := p.store.Fingerprint()
	p.mu.Unlock()

	resp := wire.SyncResponse{ProjectID: p.id, LatestSequence: latest}
	if check.SequenceNumber == latest && check.StateHash == hash {
		return h.send(ctx, sess, wire.EventSyncResponse, resp)
	}
	resp.NeedsSync = true
	if check.SequenceNumber < latest {
		ops, ok, err := h.oplog.Since(p.id, check.SequenceNumber)
		if err != nil {
			h.logger.Printf("oplog replay failed for project %s: %v", p.id, err)
			ok = false
		}
		if ok {
			resp.MissedOperations = ops
			if resp.MissedOperations == nil {
				resp.MissedOperations = []canvas.Operation{}
			}
		}
	}
	// Hash divergence at an equal or newer sequence also leaves
	// MissedOperations nil, forcing a snapshot.
	return h.send(ctx, sess, wire.EventSyncResponse, resp)
}

func (h *Hub) handleRequestState(ctx context.Context, sess *session) error {
	p := h.project(sess.projectID)
	p.mu.Lock()
	state := wire.ProjectState{
		Nodes:     p.store.Snapshot(),
		Viewport:  p.store.Viewport(),
		Timestamp: time.Now().UnixMilli(),
	}
	p.mu.Unlock()
	return h.send(ctx, sess, wire.EventProjectState, state)
}

func (h *Hub) handleUndoRedo(ctx context.Context, sess *session, kind string) error {
	p := h.project(sess.projectID)
	p.mu.Lock()
	var (
		applied []canvas.Operation
		entry   undoEntry
		err     error
	)
	if kind == "undo" {
		applied, entry, err = p.popUndo(sess.userID)
	} else {
		applied, entry, err = p.popRedo(sess.userID)
	}
	state := p.undoState(sess.userID)
	peers := p.peersOf(sess)
	p.mu.Unlock()

	failEvent, okEvent, remoteEvent := wire.EventUndoFailed, wire.EventUndoSuccess, wire.EventRemoteUndo
	if kind == "redo" {
		failEvent, okEvent, remoteEvent = wire.EventRedoFailed, wire.EventRedoSuccess, wire.EventRemoteRedo
	}
	if err != nil {
		return h.send(ctx, sess, failEvent, wire.UndoResult{UndoState: state, Reason: err.Error()})
	}

	for _, op := range applied {
		if appendErr := h.oplog.Append(p.id, op); appendErr != nil {
			h.logger.Printf("oplog append failed for project %s: %v", p.id, appendErr)
		}
	}
	h.sendTo(ctx, append(peers, sess), wire.EventCanvasOperationBatch, wire.CanvasOperationBatch{
		ProjectID:  p.id,
		BatchID:    "batch_" + uuid.NewString(),
		Operations: applied,
	})
	if err := h.send(ctx, sess, okEvent, wire.UndoResult{UndoState: state}); err != nil {
		return err
	}
	h.sendTo(ctx, peers, remoteEvent, wire.RemoteUndo{
		UserID:          sess.userID,
		DisplayName:     sess.displayName,
		TabID:           sess.tabID,
		AffectedNodeIDs: entry.NodeIDs,
	})
	h.pushUndoState(ctx, p, sess.userID)
	return nil
}

func (h *Hub) handleBeginTransaction(ctx context.Context, sess *session, env wire.Envelope) error {
	var begin wire.BeginTransaction
	if err := env.DecodePayload(&begin); err != nil {
		return err
	}
	if sess.txn != nil {
		return fmt.Errorf("%w: transaction %s already open", ErrInvalidInput, sess.txn.id)
	}
	sess.txn = &openTransaction{
		id:     "txn_" + uuid.NewString(),
		source: begin.Source,
	}
	return h.send(ctx, sess, wire.EventTransactionStarted, wire.TransactionStarted{TransactionID: sess.txn.id})
}

// handleCommitTransaction collapses the transaction's operations into one
// undo unit so a single undo reverts the whole gesture.
func (h *Hub) handleCommitTransaction(ctx context.Context, sess *session) error {
	if sess.txn == nil {
		return fmt.Errorf("%w: no open transaction", ErrInvalidInput)
	}
	txn := sess.txn
	sess.txn = nil

	if len(txn.entries) > 0 {
		merged := undoEntry{ID: txn.id, NodeIDs: collectNodeIDs(txn.entries)}
		for _, e := range txn.entries {
			merged.Inverse = append(merged.Inverse, e.Inverse...)
			merged.Forward = append(merged.Forward, e.Forward...)
		}
		p := h.project(sess.projectID)
		p.mu.Lock()
		p.recordUndo(sess.userID, merged)
		p.mu.Unlock()
		h.pushUndoState(ctx, p, sess.userID)
	}
	return h.send(ctx, sess, wire.EventTransactionCommitted, wire.TransactionCommitted{
		TransactionID:  txn.id,
		OperationCount: len(txn.entries),
	})
}

// handleAbortTransaction reverts every operation recorded under the
// transaction and broadcasts the reverts. Nothing reaches undo history.
func (h *Hub) handleAbortTransaction(ctx context.Context, sess *session) error {
	if sess.txn == nil {
		return fmt.Errorf("%w: no open transaction", ErrInvalidInput)
	}
	txn := sess.txn
	sess.txn = nil

	if err := h.revertTransaction(ctx, sess, txn); err != nil {
		return err
	}
	return h.send(ctx, sess, wire.EventTransactionAborted, wire.TransactionAborted{TransactionID: txn.id})
}

// revertTransaction applies the transaction's inverses in reverse order and
// broadcasts them. Shared by abort and by disconnect with a transaction
// still open.
func (h *Hub) revertTransaction(ctx context.Context, sess *session, txn *openTransaction) error {
	p := h.project(sess.projectID)
	p.mu.Lock()
	var inverses []canvas.Operation
	for _, e := range txn.entries {
		inverses = append(inverses, e.Inverse...)
	}
	applied, err := p.applyServerOps(sess.userID, reversed(inverses))
	recipients := p.allSessions()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		for _, op := range applied {
			if appendErr := h.oplog.Append(p.id, op); appendErr != nil {
				h.logger.Printf("oplog append failed for project %s: %v", p.id, appendErr)
			}
		}
		h.sendTo(ctx, recipients, wire.EventCanvasOperationBatch, wire.CanvasOperationBatch{
			ProjectID:  p.id,
			BatchID:    "batch_" + uuid.NewString(),
			Operations: applied,
		})
	}
	return nil
}

// pushUndoState mirrors the user's undo counters to every session that
// user has open in the project.
func (h *Hub) pushUndoState(ctx context.Context, p *project, userID string) {
	p.mu.Lock()
	state := p.undoState(userID)
	var targets []*session
	for _, s := range p.sessions {
		if s.userID == userID {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()
	h.sendTo(ctx, targets, wire.EventUndoStateUpdate, wire.UndoStateUpdate{UndoState: state})
}

func (h *Hub) dropSession(sess *session) {
	if !sess.joined {
		return
	}
	// A disconnect with a transaction still open is an implicit abort.
	if txn := sess.txn; txn != nil {
		sess.txn = nil
		if err := h.revertTransaction(context.Background(), sess, txn); err != nil {
			h.logger.Printf("revert of orphaned transaction %s failed: %v", txn.id, err)
		}
	}
	p := h.project(sess.projectID)
	p.mu.Lock()
	delete(p.sessions, sess.id)
	peers := p.allSessions()
	users := p.userList()
	p.mu.Unlock()

	ctx := context.Background()
	h.sendTo(ctx, peers, wire.EventUserLeft, wire.UserLeft{User: wire.UserInfo{
		UserID:      sess.userID,
		DisplayName: sess.displayName,
		TabID:       sess.tabID,
		SessionID:   sess.id,
	}})
	h.sendTo(ctx, peers, wire.EventActiveUsers, wire.ActiveUsers{Users: users})
	h.logger.Printf("session %s left project %s", sess.id, sess.projectID)
}

// peersOf returns every joined session except sess. Callers must hold p.mu.
func (p *project) peersOf(sess *session) []*session {
	var out []*session
	for _, s := range p.sessions {
		if s.id != sess.id {
			out = append(out, s)
		}
	}
	return out
}

func (p *project) allSessions() []*session {
	out := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

func (p *project) userList() []wire.UserInfo {
	out := make([]wire.UserInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, wire.UserInfo{
			UserID:      s.userID,
			DisplayName: s.displayName,
			TabID:       s.tabID,
			SessionID:   s.id,
		})
	}
	return out
}

func (h *Hub) isDuplicate(projectID, opID string) bool {
	if opID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.recent[projectID]
	if ids == nil {
		return false
	}
	_, ok := ids[opID]
	return ok
}

func (h *Hub) markRecent(projectID, opID string) {
	if opID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.recent[projectID]
	if ids == nil {
		ids = make(map[string]struct{})
		h.recent[projectID] = ids
	}
	ids[opID] = struct{}{}
	order := append(h.recentOrder[projectID], opID)
	if len(order) > recentIDCapacity {
		drop := order[0]
		order = order[1:]
		delete(ids, drop)
	}
	h.recentOrder[projectID] = order
}

func (h *Hub) send(ctx context.Context, sess *session, event string, payload any) error {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, sess.conn, env)
}

// send1 is send with the error logged instead of returned, for
// notifications that must not abort the calling handler.
func (h *Hub) send1(ctx context.Context, sess *session, event string, payload any) {
	if err := h.send(ctx, sess, event, payload); err != nil {
		h.logger.Printf("send %s to session %s failed: %v", event, sess.id, err)
	}
}

func (h *Hub) sendTo(ctx context.Context, sessions []*session, event string, payload any) {
	for _, s := range sessions {
		h.send1(ctx, s, event, payload)
	}
}

func (h *Hub) sendError(ctx context.Context, sess *session, message string) {
	h.send1(ctx, sess, wire.EventError, wire.ErrorMessage{Message: message})
}
