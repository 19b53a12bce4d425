package canvas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Store holds the canvas nodes for one project. Every mutation, whether it
// originates from a local user action, a remote broadcast, or reconciliation
// replay, funnels through Apply so node-level invariants are enforced in one
// place.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]Node
	viewport Viewport
}

func NewStore() *Store {
	return &Store{nodes: map[string]Node{}}
}

// Apply mutates the store according to the operation. It returns
// ErrUnknownKind for unrecognized kinds and ErrNodeNotFound when the target
// node does not exist; both are non-fatal for callers processing batches.
func (s *Store) Apply(op Operation) error {
	payload, err := op.Payload()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := payload.(type) {
	case *NodeCreate:
		if p.Node.ID == "" {
			return fmt.Errorf("%w: node_create without node id", ErrInvalidOp)
		}
		s.nodes[p.Node.ID] = cloneNode(p.Node)
	case *NodeMove:
		node, ok := s.nodes[p.NodeID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, p.NodeID)
		}
		node.X, node.Y = p.Pos[0], p.Pos[1]
		s.nodes[p.NodeID] = node
	case *NodeResize:
		node, ok := s.nodes[p.NodeID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, p.NodeID)
		}
		node.Width, node.Height = p.Size[0], p.Size[1]
		s.nodes[p.NodeID] = node
	case *NodeRotate:
		node, ok := s.nodes[p.NodeID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, p.NodeID)
		}
		node.Rotation = p.Degrees
		s.nodes[p.NodeID] = node
	case *NodeDelete:
		if _, ok := s.nodes[p.NodeID]; !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, p.NodeID)
		}
		delete(s.nodes, p.NodeID)
	case *NodeProperty:
		node, ok := s.nodes[p.NodeID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, p.NodeID)
		}
		props := make(map[string]string, len(node.Properties)+1)
		for k, v := range node.Properties {
			props[k] = v
		}
		props[p.Key] = p.Value
		node.Properties = props
		s.nodes[p.NodeID] = node
	case *ViewportUpdate:
		s.viewport = p.Viewport
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(op.Kind))
	}
	return nil
}

// Node returns a copy of the node with the given id.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(node), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Store) Viewport() Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport
}

// Snapshot returns all nodes sorted by id.
func (s *Store) Snapshot() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, cloneNode(node))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// ReplaceAll discards current state and installs the given snapshot. Used by
// the full-resync path when the server cannot supply a bounded replay.
func (s *Store) ReplaceAll(nodes []Node, viewport Viewport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]Node, len(nodes))
	for _, node := range nodes {
		if node.ID == "" {
			continue
		}
		s.nodes[node.ID] = cloneNode(node)
	}
	s.viewport = viewport
}

type fingerprintPayload struct {
	Nodes    []Node   `json:"nodes"`
	Viewport Viewport `json:"viewport"`
}

// Fingerprint computes a deterministic digest of the canvas: stable sort by
// node id, then sha256 over the canonical serialization. encoding/json
// orders struct fields by declaration and map keys lexically, so equal
// states always hash equal.
func (s *Store) Fingerprint() string {
	payload := fingerprintPayload{
		Nodes:    s.Snapshot(),
		Viewport: s.Viewport(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
