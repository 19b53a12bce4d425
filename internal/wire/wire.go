// Package wire defines the event envelope and payload types exchanged
// between canvas clients and the server over the websocket transport.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mediacanvas/canvassync/internal/canvas"
)

var ErrBadEnvelope = errors.New("bad envelope")

// Client-to-server events.
const (
	EventJoinProject          = "join_project"
	EventCanvasOperation      = "canvas_operation"
	EventCanvasOperationBatch = "canvas_operation_batch"
	EventSyncCheck            = "sync_check"
	EventRequestProjectState  = "request_project_state"
	EventUndoOperation        = "undo_operation"
	EventRedoOperation        = "redo_operation"
	EventBeginTransaction     = "begin_transaction"
	EventCommitTransaction    = "commit_transaction"
	EventAbortTransaction     = "abort_transaction"
	EventPing                 = "ping"
)

// Server-to-client events.
const (
	EventProjectJoined        = "project_joined"
	EventError                = "error"
	EventSyncResponse         = "sync_response"
	EventProjectState         = "project_state"
	EventUndoSuccess          = "undo_success"
	EventUndoFailed           = "undo_failed"
	EventRedoSuccess          = "redo_success"
	EventRedoFailed           = "redo_failed"
	EventTransactionStarted   = "transaction_started"
	EventTransactionCommitted = "transaction_committed"
	EventTransactionAborted   = "transaction_aborted"
	EventPong                 = "pong"
	EventActiveUsers          = "active_users"
	EventUserJoined           = "user_joined"
	EventUserLeft             = "user_left"
	EventUndoStateUpdate      = "undo_state_update"
	EventRemoteUndo           = "remote_undo"
	EventRemoteRedo           = "remote_redo"
)

// Envelope is the unit framed onto the websocket: an event name plus its
// JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the given event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Envelope{}, fmt.Errorf("%w: empty event", ErrBadEnvelope)
	}
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: encode %s: %v", ErrBadEnvelope, event, err)
	}
	return Envelope{Event: event, Payload: data}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrBadEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBadEnvelope, e.Event, err)
	}
	return nil
}

type UserInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	TabID       string `json:"tabId"`
	SessionID   string `json:"sessionId"`
}

type ProjectInfo struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Nodes    []canvas.Node   `json:"nodes"`
	Viewport canvas.Viewport `json:"viewport"`
}

type JoinProject struct {
	ProjectID   string `json:"projectId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	TabID       string `json:"tabId"`
}

type ProjectJoined struct {
	Project        ProjectInfo `json:"project"`
	Session        UserInfo    `json:"session"`
	SequenceNumber int64       `json:"sequenceNumber"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

type CanvasOperation struct {
	ProjectID string           `json:"projectId"`
	Operation canvas.Operation `json:"operation"`
}

type CanvasOperationBatch struct {
	ProjectID  string             `json:"projectId"`
	BatchID    string             `json:"batchId"`
	Operations []canvas.Operation `json:"operations"`
}

type SyncCheck struct {
	ProjectID      string `json:"projectId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	StateHash      string `json:"stateHash"`
	Timestamp      int64  `json:"timestamp"`
}

// SyncResponse reports whether the client has diverged. A nil
// MissedOperations with NeedsSync true means the replay window no longer
// covers the client and a full snapshot is required.
type SyncResponse struct {
	ProjectID        string             `json:"projectId"`
	NeedsSync        bool               `json:"needsSync"`
	MissedOperations []canvas.Operation `json:"missedOperations"`
	LatestSequence   int64              `json:"latestSequence"`
}

type RequestProjectState struct {
	ProjectID string `json:"projectId"`
	FromUser  string `json:"fromUser,omitempty"`
}

type ProjectState struct {
	Nodes     []canvas.Node   `json:"nodes"`
	Viewport  canvas.Viewport `json:"viewport"`
	Timestamp int64           `json:"timestamp"`
}

type UndoState struct {
	CanUndo   bool `json:"canUndo"`
	CanRedo   bool `json:"canRedo"`
	UndoCount int  `json:"undoCount"`
	RedoCount int  `json:"redoCount"`
}

type UndoResult struct {
	UndoState UndoState `json:"undoState"`
	Reason    string    `json:"reason,omitempty"`
}

type UndoStateUpdate struct {
	UndoState UndoState `json:"undoState"`
}

// RemoteUndo is pushed when a different session of the same user, or a
// different user entirely, performs an undo or redo. Affected node ids are
// presentational hints; the resulting state arrives through the normal
// operation broadcast channel.
type RemoteUndo struct {
	UserID          string   `json:"userId"`
	DisplayName     string   `json:"displayName"`
	TabID           string   `json:"tabId"`
	AffectedNodeIDs []string `json:"affectedNodeIds,omitempty"`
}

type BeginTransaction struct {
	Source string `json:"source"`
}

type TransactionStarted struct {
	TransactionID string `json:"transactionId"`
}

type TransactionCommitted struct {
	TransactionID  string `json:"transactionId"`
	OperationCount int    `json:"operationCount"`
}

type TransactionAborted struct {
	TransactionID string `json:"transactionId"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type ActiveUsers struct {
	Users []UserInfo `json:"users"`
}

type UserJoined struct {
	User UserInfo `json:"user"`
}

type UserLeft struct {
	User UserInfo `json:"user"`
}
