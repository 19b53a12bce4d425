package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mediacanvas/canvassync/internal/wire"
)

// ConnState is the transport connection lifecycle state. It is owned
// exclusively by the ConnectionManager; other components read it through
// State() or the bus but never mutate it.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateDisconnecting ConnState = "disconnecting"
	StateError         ConnState = "error"
)

var legalTransitions = map[ConnState][]ConnState{
	StateDisconnected:  {StateConnecting, StateError},
	StateConnecting:    {StateConnected, StateError},
	StateConnected:     {StateDisconnecting, StateError},
	StateDisconnecting: {StateDisconnected, StateError},
	StateError:         {StateDisconnected},
}

// ConnectionManager owns the transport connection: dialing, the state
// machine over it, and the reconnection policy.
type ConnectionManager struct {
	transport Transport
	resources *ResourceManager
	bus       *Bus
	logger    Logger

	url                 string
	dialTimeout         time.Duration
	preConnectSplay     time.Duration
	reconnectCap        time.Duration
	transportCloseDelay time.Duration
	maxAttempts         int

	// onConnected re-joins the project and restarts heartbeat/sync; it runs
	// after every successful transition to connected, outside the lock.
	onConnected    func(Conn)
	onEnvelope     func(wire.Envelope)
	onDisconnected func(DisconnectReason)

	mu              sync.Mutex
	state           ConnState
	conn            Conn
	attempts        int
	backoff         *backoff.ExponentialBackOff
	manual          bool
	closing         bool
	lastReason      DisconnectReason
	cancelReconnect func()
	readCancel      context.CancelFunc
}

func NewConnectionManager(ctx *EngineContext, transport Transport) *ConnectionManager {
	cfg := ctx.Config
	return &ConnectionManager{
		transport:           transport,
		resources:           ctx.Resources,
		bus:                 ctx.Bus,
		logger:              ctx.Logger,
		url:                 cfg.ServerURL,
		dialTimeout:         cfg.DialTimeout,
		preConnectSplay:     cfg.PreConnectSplay,
		reconnectCap:        cfg.ReconnectCap,
		transportCloseDelay: cfg.TransportCloseDelay,
		maxAttempts:         cfg.MaxReconnectAttempts,
		state:               StateDisconnected,
		backoff:             newReconnectBackoff(cfg.ReconnectBase, cfg.ReconnectCap),
	}
}

func newReconnectBackoff(base, cap time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = cap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SetHandlers wires the callbacks invoked on connect, inbound envelopes and
// disconnects. Must be called before Connect.
func (m *ConnectionManager) SetHandlers(onConnected func(Conn), onEnvelope func(wire.Envelope), onDisconnected func(DisconnectReason)) {
	m.onConnected = onConnected
	m.onEnvelope = onEnvelope
	m.onDisconnected = onDisconnected
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition reports whether moving to target is legal from the current
// state. It never has side effects, so callers can short-circuit (for
// example refuse a second connect while already connecting).
func (m *ConnectionManager) CanTransition(target ConnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canTransitionFrom(m.state, target)
}

func canTransitionFrom(from, target ConnState) bool {
	for _, next := range legalTransitions[from] {
		if next == target {
			return true
		}
	}
	return false
}

// transition moves to target after running action. The new state commits
// only if action succeeds; on failure the machine stays in the prior state.
func (m *ConnectionManager) transition(target ConnState, action func() error) error {
	m.mu.Lock()
	if !canTransitionFrom(m.state, target) {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.mu.Unlock()
	if action != nil {
		if err := action(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.state = target
	m.mu.Unlock()
	m.bus.Publish(TopicConnState, target)
	return nil
}

// Connect dials the server. A small random pre-connect delay desynchronizes
// simultaneous reconnects across tabs. On failure the state ends at
// disconnected (via error) and a reconnect is scheduled.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if !m.CanTransition(StateConnecting) {
		return ErrInvalidState
	}
	if m.preConnectSplay > 0 {
		splay := time.Duration(rand.Int63n(int64(m.preConnectSplay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(splay):
		}
	}
	if err := m.transition(StateConnecting, nil); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.transport.Dial(dialCtx, m.url)
	cancel()
	if err != nil {
		m.logger.Printf("connect failed: %v", err)
		m.failToDisconnected(ReasonTransportError)
		m.scheduleReconnect(ctx)
		return err
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	err = m.transition(StateConnected, func() error {
		m.mu.Lock()
		m.conn = conn
		m.closing = false
		m.readCancel = readCancel
		m.attempts = 0
		m.backoff.Reset()
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		readCancel()
		_ = conn.Close("aborted")
		return err
	}

	go m.readLoop(ctx, readCtx, conn)
	if m.onConnected != nil {
		m.onConnected(conn)
	}
	return nil
}

func (m *ConnectionManager) readLoop(parent, readCtx context.Context, conn Conn) {
	for {
		env, err := conn.ReadEnvelope(readCtx)
		if err != nil {
			m.mu.Lock()
			closing := m.closing
			m.mu.Unlock()
			if closing {
				return
			}
			reason := classifyDisconnect(err)
			m.logger.Printf("connection lost (%s): %v", reason, err)
			m.handleConnectionLost(parent, reason)
			return
		}
		if m.onEnvelope != nil {
			m.onEnvelope(env)
		}
	}
}

func (m *ConnectionManager) handleConnectionLost(ctx context.Context, reason DisconnectReason) {
	m.mu.Lock()
	m.lastReason = reason
	m.conn = nil
	m.mu.Unlock()
	m.failToDisconnected(reason)
	if m.onDisconnected != nil {
		m.onDisconnected(reason)
	}
	m.scheduleReconnect(ctx)
}

func (m *ConnectionManager) failToDisconnected(reason DisconnectReason) {
	m.mu.Lock()
	m.lastReason = reason
	m.mu.Unlock()
	_ = m.transition(StateError, nil)
	_ = m.transition(StateDisconnected, nil)
}

// scheduleReconnect arms the next backoff-delayed connect attempt. It is a
// no-op while connected or connecting, after a manual disconnect, or once
// the attempt cap is reached.
func (m *ConnectionManager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting || m.manual {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.maxAttempts {
		m.mu.Unlock()
		m.logger.Printf("reconnect attempts exhausted (%d)", m.maxAttempts)
		m.bus.Publish(TopicNotification, Notification{Level: "error", Message: "offline: reconnect attempts exhausted"})
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := m.nextReconnectDelay()
	if m.lastReason == ReasonTransportError && attempt == 1 {
		delay += m.transportCloseDelay
	}
	if m.cancelReconnect != nil {
		m.cancelReconnect()
	}
	m.mu.Unlock()

	m.logger.Printf("reconnect attempt %d/%d in %s", attempt, m.maxAttempts, delay)
	cancel := m.resources.AfterFunc(delay, func() {
		// State may have changed while the timer was pending.
		m.mu.Lock()
		skip := m.state == StateConnected || m.state == StateConnecting || m.manual
		m.mu.Unlock()
		if skip {
			return
		}
		_ = m.Connect(ctx)
	})
	m.mu.Lock()
	m.cancelReconnect = cancel
	m.mu.Unlock()
}

// nextReconnectDelay advances the backoff and clamps the jittered result to
// the cap. Callers must hold no assumption beyond: for attempt n the delay
// lies within +/-25% of min(base*2^(n-1), cap) and never exceeds the cap.
func (m *ConnectionManager) nextReconnectDelay() time.Duration {
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop || delay > m.reconnectCap {
		delay = m.reconnectCap
	}
	return delay
}

// Disconnect tears down the transport and cancels pending reconnects. A
// manual disconnect disables auto-reconnection until EnableReconnect.
func (m *ConnectionManager) Disconnect(manual bool) {
	m.mu.Lock()
	if manual {
		m.manual = true
	}
	m.closing = true
	m.lastReason = ReasonClientClose
	conn := m.conn
	m.conn = nil
	readCancel := m.readCancel
	m.readCancel = nil
	cancelReconnect := m.cancelReconnect
	m.cancelReconnect = nil
	m.mu.Unlock()

	if cancelReconnect != nil {
		cancelReconnect()
	}
	if readCancel != nil {
		readCancel()
	}
	if conn != nil {
		_ = conn.Close("client disconnect")
	}

	if m.transition(StateDisconnecting, nil) == nil {
		_ = m.transition(StateDisconnected, nil)
	} else {
		m.failToDisconnected(ReasonClientClose)
	}
	if m.onDisconnected != nil {
		m.onDisconnected(ReasonClientClose)
	}
}

// EnableReconnect re-enables automatic reconnection after a manual
// disconnect and resets the attempt counter.
func (m *ConnectionManager) EnableReconnect() {
	m.mu.Lock()
	m.manual = false
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()
}

// TriggerResume attempts one immediate reconnect. Hosts call it on
// visibility-regained, focus-regained and network-online signals so a slept
// or backgrounded agent recovers without waiting out the backoff timer.
func (m *ConnectionManager) TriggerResume(ctx context.Context) {
	m.mu.Lock()
	ready := m.state == StateDisconnected && !m.manual
	m.mu.Unlock()
	if !ready {
		return
	}
	if err := m.Connect(ctx); err != nil {
		m.logger.Printf("resume connect failed: %v", err)
	}
}

// Cycle force-drops a connection presumed dead and dials again. Used by the
// heartbeat monitor after prolonged pong silence.
func (m *ConnectionManager) Cycle(ctx context.Context) {
	m.logger.Printf("cycling connection presumed dead")
	m.Disconnect(false)
	m.mu.Lock()
	m.lastReason = ReasonTransportError
	m.mu.Unlock()
	m.scheduleReconnect(ctx)
}

// Send writes an envelope on the live connection.
func (m *ConnectionManager) Send(ctx context.Context, env wire.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.WriteEnvelope(writeCtx, env)
}
