package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mediacanvas/canvassync/internal/wire"
)

// Quality is a coarse classification of connection health derived from
// rolling heartbeat latency. It feeds user feedback only; correctness
// decisions never depend on it.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

const latencyWindow = 5

type qualityThresholds struct {
	excellent time.Duration
	good      time.Duration
	poor      time.Duration
}

// Tighter thresholds for loopback/LAN links, looser for WAN.
var (
	localThresholds = qualityThresholds{excellent: 30 * time.Millisecond, good: 100 * time.Millisecond, poor: 300 * time.Millisecond}
	wanThresholds   = qualityThresholds{excellent: 100 * time.Millisecond, good: 300 * time.Millisecond, poor: time.Second}
)

// HeartbeatMonitor sends timestamped pings on a fixed interval and
// classifies connection quality from the pong round trips. Prolonged pong
// silence forces a connection cycle on the assumption the transport is dead.
type HeartbeatMonitor struct {
	interval    time.Duration
	pongTimeout time.Duration
	deadAfter   time.Duration
	thresholds  qualityThresholds
	resources   *ResourceManager
	bus         *Bus
	logger      Logger

	send  func(context.Context, wire.Envelope) error
	cycle func()

	mu         sync.Mutex
	running    bool
	lastPong   time.Time
	samples    []time.Duration
	quality    Quality
	cancelTick func()
}

func NewHeartbeatMonitor(ctx *EngineContext, send func(context.Context, wire.Envelope) error, cycle func()) *HeartbeatMonitor {
	cfg := ctx.Config
	thresholds := wanThresholds
	if cfg.LocalLink {
		thresholds = localThresholds
	}
	return &HeartbeatMonitor{
		interval:    cfg.HeartbeatInterval,
		pongTimeout: cfg.PongTimeout,
		deadAfter:   cfg.DeadAfter,
		thresholds:  thresholds,
		resources:   ctx.Resources,
		bus:         ctx.Bus,
		logger:      ctx.Logger,
		send:        send,
		cycle:       cycle,
		quality:     QualityExcellent,
	}
}

// Start begins the ping cycle. Stop must be called before the connection is
// torn down; Start after Stop begins a fresh window.
func (h *HeartbeatMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.lastPong = time.Now()
	h.samples = nil
	h.mu.Unlock()

	cancel := h.resources.Every(h.interval, func() {
		h.tick(ctx)
	})
	h.mu.Lock()
	h.cancelTick = cancel
	h.mu.Unlock()
}

func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	h.running = false
	cancel := h.cancelTick
	h.cancelTick = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *HeartbeatMonitor) tick(ctx context.Context) {
	h.mu.Lock()
	silence := time.Since(h.lastPong)
	h.mu.Unlock()

	if silence >= h.deadAfter {
		h.Stop()
		h.cycle()
		return
	}
	if silence >= h.pongTimeout {
		h.setQuality(QualityCritical)
	}

	env, err := wire.NewEnvelope(wire.EventPing, wire.Ping{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := h.send(ctx, env); err != nil {
		h.logger.Printf("heartbeat send failed: %v", err)
	}
}

// HandlePong records the round trip for a pong echoing our timestamp.
func (h *HeartbeatMonitor) HandlePong(sentAtMillis int64) {
	latency := time.Since(time.UnixMilli(sentAtMillis))
	if latency < 0 {
		latency = 0
	}
	h.mu.Lock()
	h.lastPong = time.Now()
	h.samples = append(h.samples, latency)
	if len(h.samples) > latencyWindow {
		h.samples = h.samples[len(h.samples)-latencyWindow:]
	}
	avg := averageLatency(h.samples)
	h.mu.Unlock()
	h.setQuality(h.classify(avg))
}

func averageLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

func (h *HeartbeatMonitor) classify(latency time.Duration) Quality {
	switch {
	case latency <= h.thresholds.excellent:
		return QualityExcellent
	case latency <= h.thresholds.good:
		return QualityGood
	case latency <= h.thresholds.poor:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// setQuality publishes only on change.
func (h *HeartbeatMonitor) setQuality(q Quality) {
	h.mu.Lock()
	changed := h.quality != q
	h.quality = q
	h.mu.Unlock()
	if !changed {
		return
	}
	h.bus.Publish(TopicQuality, q)
	if q == QualityPoor || q == QualityCritical {
		h.bus.Publish(TopicNotification, Notification{Level: "warn", Message: "connection quality " + string(q)})
	}
}

// Quality returns the current classification.
func (h *HeartbeatMonitor) Quality() Quality {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quality
}
