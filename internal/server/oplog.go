// Package server implements the reference synchronization server: a
// websocket hub with per-project sequencing, replay-window reconciliation,
// server-held undo history and a pluggable operation log.
package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/mediacanvas/canvassync/internal/canvas"
)

var (
	ErrInvalidInput   = errors.New("server: invalid input")
	ErrNotImplemented = errors.New("server: not implemented")
)

// OpLog records every sequenced operation per project and serves replay
// requests. Since returns the operations with sequence strictly greater
// than afterSeq; ok is false when the window no longer reaches back that
// far and the caller must fall back to a full snapshot.
type OpLog interface {
	Append(projectID string, op canvas.Operation) error
	Since(projectID string, afterSeq int64) (ops []canvas.Operation, ok bool, err error)
	Close() error
}

type projectLog struct {
	ops     []canvas.Operation
	trimmed int64
}

// MemoryOpLog keeps a bounded in-process replay window per project.
type MemoryOpLog struct {
	mu       sync.Mutex
	window   int
	projects map[string]*projectLog
}

func NewMemoryOpLog(window int) *MemoryOpLog {
	if window <= 0 {
		window = 1024
	}
	return &MemoryOpLog{
		window:   window,
		projects: make(map[string]*projectLog),
	}
}

func (l *MemoryOpLog) Append(projectID string, op canvas.Operation) error {
	if strings.TrimSpace(projectID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.projects[projectID]
	if p == nil {
		p = &projectLog{}
		l.projects[projectID] = p
	}
	p.ops = append(p.ops, op)
	if len(p.ops) > l.window {
		drop := len(p.ops) - l.window
		p.trimmed = p.ops[drop-1].Sequence
		p.ops = append([]canvas.Operation(nil), p.ops[drop:]...)
	}
	return nil
}

func (l *MemoryOpLog) Since(projectID string, afterSeq int64) ([]canvas.Operation, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.projects[projectID]
	if p == nil {
		return nil, afterSeq == 0, nil
	}
	if afterSeq < p.trimmed {
		return nil, false, nil
	}
	var out []canvas.Operation
	for _, op := range p.ops {
		if op.Sequence > afterSeq {
			out = append(out, op)
		}
	}
	return out, true, nil
}

func (l *MemoryOpLog) Close() error { return nil }

// BuildOpLogFromDSN selects an operation log backend from a DSN. An empty
// DSN and memory:// select the in-process log; postgres:// selects the
// durable log.
func BuildOpLogFromDSN(dsn string, window int) (OpLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryOpLog(window), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryOpLog(window), nil
	case "postgres", "postgresql":
		return NewPostgresOpLog(dsn, window)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: oplog backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported oplog scheme: %s", scheme)
	}
}
