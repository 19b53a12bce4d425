package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediacanvas/canvassync/internal/canvas"
	"github.com/mediacanvas/canvassync/internal/wire"
)

// serverOriginTabID marks operations the server synthesizes (undo and redo
// replays). No client owns this id, so every tab applies them.
const serverOriginTabID = "server"

// undoEntry is one undoable unit: a single operation or a committed
// transaction. Inverse ops restore the prior state; forward ops replay the
// unit for redo. Both are stored pre-sequenced copies and get fresh
// sequence numbers when applied.
type undoEntry struct {
	ID      string
	Inverse []canvas.Operation
	Forward []canvas.Operation
	NodeIDs []string
}

type userHistory struct {
	undo []undoEntry
	redo []undoEntry
}

type openTransaction struct {
	id      string
	source  string
	entries []undoEntry
}

// project is the authoritative state for one canvas: node store, sequence
// counter, per-user undo history and the set of joined sessions.
type project struct {
	mu       sync.Mutex
	id       string
	store    *canvas.Store
	seq      int64
	history  map[string]*userHistory
	sessions map[string]*session
}

func newProject(id string) *project {
	return &project{
		id:       id,
		store:    canvas.NewStore(),
		history:  make(map[string]*userHistory),
		sessions: make(map[string]*session),
	}
}

func (p *project) userHistory(userID string) *userHistory {
	h := p.history[userID]
	if h == nil {
		h = &userHistory{}
		p.history[userID] = h
	}
	return h
}

// inverseOf computes the operation that reverses op against the current
// store state. It must run before op is applied. Viewport updates have no
// inverse; they never reach undo history.
func (p *project) inverseOf(op canvas.Operation) (canvas.Operation, []string, error) {
	payload, err := op.Payload()
	if err != nil {
		return canvas.Operation{}, nil, err
	}
	switch v := payload.(type) {
	case *canvas.NodeCreate:
		inv, err := canvas.NewOperation(canvas.KindNodeDelete, canvas.NodeDelete{NodeID: v.Node.ID})
		return inv, []string{v.Node.ID}, err
	case *canvas.NodeDelete:
		node, ok := p.store.Node(v.NodeID)
		if !ok {
			return canvas.Operation{}, nil, canvas.ErrNodeNotFound
		}
		inv, err := canvas.NewOperation(canvas.KindNodeCreate, canvas.NodeCreate{Node: node})
		return inv, []string{v.NodeID}, err
	case *canvas.NodeMove:
		node, ok := p.store.Node(v.NodeID)
		if !ok {
			return canvas.Operation{}, nil, canvas.ErrNodeNotFound
		}
		inv, err := canvas.NewOperation(canvas.KindNodeMove, canvas.NodeMove{NodeID: v.NodeID, Pos: [2]float64{node.X, node.Y}})
		return inv, []string{v.NodeID}, err
	case *canvas.NodeResize:
		node, ok := p.store.Node(v.NodeID)
		if !ok {
			return canvas.Operation{}, nil, canvas.ErrNodeNotFound
		}
		inv, err := canvas.NewOperation(canvas.KindNodeResize, canvas.NodeResize{NodeID: v.NodeID, Size: [2]float64{node.Width, node.Height}})
		return inv, []string{v.NodeID}, err
	case *canvas.NodeRotate:
		node, ok := p.store.Node(v.NodeID)
		if !ok {
			return canvas.Operation{}, nil, canvas.ErrNodeNotFound
		}
		inv, err := canvas.NewOperation(canvas.KindNodeRotate, canvas.NodeRotate{NodeID: v.NodeID, Degrees: node.Rotation})
		return inv, []string{v.NodeID}, err
	case *canvas.NodeProperty:
		node, ok := p.store.Node(v.NodeID)
		if !ok {
			return canvas.Operation{}, nil, canvas.ErrNodeNotFound
		}
		inv, err := canvas.NewOperation(canvas.KindNodeProperty, canvas.NodeProperty{NodeID: v.NodeID, Key: v.Key, Value: node.Properties[v.Key]})
		return inv, []string{v.NodeID}, err
	case *canvas.ViewportUpdate:
		return canvas.Operation{}, nil, nil
	default:
		return canvas.Operation{}, nil, fmt.Errorf("%w: %T", canvas.ErrUnknownKind, payload)
	}
}

// sequenceAndApply assigns the next canonical sequence number, applies the
// operation and returns the sequenced copy.
func (p *project) sequenceAndApply(op canvas.Operation) (canvas.Operation, error) {
	op.Sequence = p.seq + 1
	if err := p.store.Apply(op); err != nil {
		return canvas.Operation{}, err
	}
	p.seq++
	return op, nil
}

// recordUndo pushes entry onto the user's undo stack and clears the redo
// stack; any new edit invalidates redo history.
func (p *project) recordUndo(userID string, entry undoEntry) {
	h := p.userHistory(userID)
	h.undo = append(h.undo, entry)
	h.redo = nil
}

func (p *project) undoState(userID string) wire.UndoState {
	h := p.userHistory(userID)
	return wire.UndoState{
		CanUndo:   len(h.undo) > 0,
		CanRedo:   len(h.redo) > 0,
		UndoCount: len(h.undo),
		RedoCount: len(h.redo),
	}
}

// popUndo applies the top undo entry's inverse operations and moves the
// entry to the redo stack. The returned ops are sequenced, server-origin
// operations ready for broadcast.
func (p *project) popUndo(userID string) ([]canvas.Operation, undoEntry, error) {
	h := p.userHistory(userID)
	if len(h.undo) == 0 {
		return nil, undoEntry{}, fmt.Errorf("%w: nothing to undo", ErrInvalidInput)
	}
	entry := h.undo[len(h.undo)-1]
	applied, err := p.applyServerOps(userID, reversed(entry.Inverse))
	if err != nil {
		return nil, undoEntry{}, err
	}
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, entry)
	return applied, entry, nil
}

// popRedo replays the top redo entry's forward operations and moves the
// entry back to the undo stack.
func (p *project) popRedo(userID string) ([]canvas.Operation, undoEntry, error) {
	h := p.userHistory(userID)
	if len(h.redo) == 0 {
		return nil, undoEntry{}, fmt.Errorf("%w: nothing to redo", ErrInvalidInput)
	}
	entry := h.redo[len(h.redo)-1]
	applied, err := p.applyServerOps(userID, entry.Forward)
	if err != nil {
		return nil, undoEntry{}, err
	}
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, entry)
	return applied, entry, nil
}

// applyServerOps sequences and applies a batch of synthesized operations
// under the server origin id.
func (p *project) applyServerOps(userID string, ops []canvas.Operation) ([]canvas.Operation, error) {
	applied := make([]canvas.Operation, 0, len(ops))
	for _, op := range ops {
		op.ID = "op_" + uuid.NewString()
		op.Timestamp = time.Now().UnixMilli()
		op.OriginTabID = serverOriginTabID
		op.OriginUserID = userID
		op.Transient = true
		sequenced, err := p.sequenceAndApply(op)
		if err != nil {
			return applied, err
		}
		applied = append(applied, sequenced)
	}
	return applied, nil
}

func reversed(ops []canvas.Operation) []canvas.Operation {
	out := make([]canvas.Operation, len(ops))
	for i, op := range ops {
		out[len(ops)-1-i] = op
	}
	return out
}

func collectNodeIDs(entries []undoEntry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		for _, id := range e.NodeIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
