package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mediacanvas/canvassync/internal/wire"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Config{
		ServerURL: "ws://127.0.0.1:1",
		ProjectID: "proj-1",
		Username:  "alice",
		DataDir:   t.TempDir(),
	}.withDefaults()
	if err != nil {
		t.Fatalf("config defaults: %v", err)
	}
	return cfg
}

func testContext(t *testing.T, mutate func(*Config)) *EngineContext {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	ctx := newEngineContext(cfg, "tab_local")
	t.Cleanup(ctx.Resources.CloseAll)
	return ctx
}

// sendRecorder captures envelopes handed to a component's send hook.
type sendRecorder struct {
	mu   sync.Mutex
	envs []wire.Envelope
	err  error
}

func (r *sendRecorder) send(_ context.Context, env wire.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *sendRecorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *sendRecorder) sent() []wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Envelope(nil), r.envs...)
}

func (r *sendRecorder) lastEvent(t *testing.T) string {
	t.Helper()
	envs := r.sent()
	if len(envs) == 0 {
		t.Fatalf("nothing sent")
	}
	return envs[len(envs)-1].Event
}

// scriptedConn is an in-memory Conn fed by the test.
type scriptedConn struct {
	incoming chan wire.Envelope
	outgoing chan wire.Envelope
	closed   chan struct{}
	once     sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		incoming: make(chan wire.Envelope, 64),
		outgoing: make(chan wire.Envelope, 64),
		closed:   make(chan struct{}),
	}
}

func (c *scriptedConn) ReadEnvelope(ctx context.Context) (wire.Envelope, error) {
	select {
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	case <-c.closed:
		return wire.Envelope{}, errors.New("connection closed")
	case env := <-c.incoming:
		return env, nil
	}
}

func (c *scriptedConn) WriteEnvelope(ctx context.Context, env wire.Envelope) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.outgoing <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *scriptedConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedTransport dials scripted connections, failing the first failures
// dials before succeeding.
type scriptedTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	dialAt   []time.Time
	conns    []*scriptedConn
}

func (tr *scriptedTransport) Dial(context.Context, string) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.dials++
	tr.dialAt = append(tr.dialAt, time.Now())
	if tr.dials <= tr.failures {
		return nil, errors.New("dial refused")
	}
	conn := newScriptedConn()
	tr.conns = append(tr.conns, conn)
	return conn, nil
}

func (tr *scriptedTransport) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

func (tr *scriptedTransport) dialTimes() []time.Time {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]time.Time(nil), tr.dialAt...)
}

func (tr *scriptedTransport) lastConn(t *testing.T) *scriptedConn {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.conns) == 0 {
		t.Fatalf("no connection dialed")
	}
	return tr.conns[len(tr.conns)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
