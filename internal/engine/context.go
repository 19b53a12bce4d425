package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotConnected   = errors.New("not connected")
	ErrRequestPending = errors.New("request already pending")
	ErrNotAllowed     = errors.New("not allowed")
)

// Logger is the minimal logging surface accepted by every component.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Session is the authenticated binding of this tab to a user within a
// project. TabID never changes while the agent lives; SessionID is assigned
// by the server on every join.
type Session struct {
	SessionID   string
	TabID       string
	UserID      string
	DisplayName string
}

// Config carries every engine tunable. Zero values default in NewConfig.
type Config struct {
	ServerURL   string
	ProjectID   string
	Username    string
	DisplayName string
	DataDir     string

	DialTimeout          time.Duration
	PreConnectSplay      time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	TransportCloseDelay  time.Duration
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	DeadAfter         time.Duration
	LocalLink         bool

	SyncInterval time.Duration

	DedupWindow   time.Duration
	MaxPendingOps int

	Logger Logger
}

func (c Config) withDefaults() (Config, error) {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	c.Username = strings.TrimSpace(c.Username)
	if c.ServerURL == "" {
		return c, fmt.Errorf("%w: server url is required", ErrInvalidConfig)
	}
	if c.ProjectID == "" {
		return c, fmt.Errorf("%w: project id is required", ErrInvalidConfig)
	}
	if c.Username == "" {
		return c, fmt.Errorf("%w: username is required", ErrInvalidConfig)
	}
	if c.DataDir == "" {
		c.DataDir = ".canvassync"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PreConnectSplay < 0 {
		c.PreConnectSplay = 0
	} else if c.PreConnectSplay == 0 {
		c.PreConnectSplay = 500 * time.Millisecond
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.TransportCloseDelay <= 0 {
		c.TransportCloseDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 30 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 45 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.MaxPendingOps <= 0 {
		c.MaxPendingOps = 1024
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	return c, nil
}

// EngineContext is the explicitly constructed state threaded into every
// component: tab identity, session, config, logger, and the shared bus.
// Nothing in the engine reads ambient global state.
type EngineContext struct {
	Config    Config
	TabID     string
	Session   Session
	Bus       *Bus
	Resources *ResourceManager
	Logger    Logger
}

func newEngineContext(cfg Config, tabID string) *EngineContext {
	return &EngineContext{
		Config:    cfg,
		TabID:     tabID,
		Bus:       NewBus(),
		Resources: NewResourceManager(),
		Logger:    cfg.Logger,
	}
}
