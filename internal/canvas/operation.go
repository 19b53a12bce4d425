package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind  = errors.New("unknown operation kind")
	ErrInvalidOp    = errors.New("invalid operation")
	ErrNodeNotFound = errors.New("node not found")
)

// Kind tags the payload carried by an Operation. Unrecognized wire values
// decode to a Kind that no case matches, which Payload reports as
// ErrUnknownKind so callers can skip the operation uniformly.
type Kind string

const (
	KindNodeCreate     Kind = "node_create"
	KindNodeMove       Kind = "node_move"
	KindNodeResize     Kind = "node_resize"
	KindNodeRotate     Kind = "node_rotate"
	KindNodeDelete     Kind = "node_delete"
	KindNodeProperty   Kind = "node_property"
	KindViewportUpdate Kind = "viewport_update"
)

// Operation is an atomic, typed edit to canvas state. Sequence is assigned
// canonically by the server; the value set by the originating client is
// provisional until the server's echo supersedes it.
type Operation struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"`
	Sequence      int64           `json:"sequence"`
	OriginTabID   string          `json:"tabId"`
	OriginUserID  string          `json:"userId"`
	TransactionID string          `json:"transactionId,omitempty"`
	// Transient operations never enter server-held undo history.
	Transient bool `json:"transient,omitempty"`
}

type NodeCreate struct {
	Node Node `json:"node"`
}

type NodeMove struct {
	NodeID string     `json:"nodeId"`
	Pos    [2]float64 `json:"pos"`
}

type NodeResize struct {
	NodeID string     `json:"nodeId"`
	Size   [2]float64 `json:"size"`
}

type NodeRotate struct {
	NodeID  string  `json:"nodeId"`
	Degrees float64 `json:"degrees"`
}

type NodeDelete struct {
	NodeID string `json:"nodeId"`
}

type NodeProperty struct {
	NodeID string `json:"nodeId"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

type ViewportUpdate struct {
	Viewport Viewport `json:"viewport"`
}

// Payload decodes the typed payload for the operation's kind.
func (op Operation) Payload() (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(op.Data, v); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidOp, op.Kind, err)
		}
		return v, nil
	}
	switch op.Kind {
	case KindNodeCreate:
		return decode(&NodeCreate{})
	case KindNodeMove:
		return decode(&NodeMove{})
	case KindNodeResize:
		return decode(&NodeResize{})
	case KindNodeRotate:
		return decode(&NodeRotate{})
	case KindNodeDelete:
		return decode(&NodeDelete{})
	case KindNodeProperty:
		return decode(&NodeProperty{})
	case KindViewportUpdate:
		return decode(&ViewportUpdate{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(op.Kind))
	}
}

// NewOperation builds an operation for the given kind, marshaling the
// payload. Identity and sequencing fields are left for the pipeline.
func NewOperation(kind Kind, payload any) (Operation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: encode %s payload: %v", ErrInvalidOp, kind, err)
	}
	return Operation{Kind: kind, Data: data}, nil
}

func MustOperation(kind Kind, payload any) Operation {
	op, err := NewOperation(kind, payload)
	if err != nil {
		panic(err)
	}
	return op
}
