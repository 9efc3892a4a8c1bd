package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"besedka/internal/models"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("websocket is not connected")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type Config struct {
	URL       string
	Reconnect ReconnectConfig
	// ConnectWait bounds how long Send waits for the socket to open.
	ConnectWait time.Duration
	DialTimeout time.Duration
}

// Connection owns the single physical socket of a session and its
// reconnection policy.
type Connection struct {
	cfg    Config
	dialer Dialer
	hub    *Hub
	logger *slog.Logger

	mu          sync.Mutex
	transport   Transport
	generation  uint64
	status      Status
	attempts    int
	manualClose bool
	reconnect   *time.Timer
	// ready is closed while the status is StatusConnected.
	ready chan struct{}

	writeMu sync.Mutex

	jitter    func() time.Duration
	afterFunc func(time.Duration, func()) *time.Timer
}

func NewConnection(cfg Config, dialer Dialer, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = GorillaDialer{}
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	return &Connection{
		cfg:       cfg,
		dialer:    dialer,
		hub:       NewHub(logger),
		logger:    logger,
		ready:     make(chan struct{}),
		jitter:    randomJitter,
		afterFunc: time.AfterFunc,
	}
}

func (c *Connection) On(name string, fn Handler) Subscription {
	return c.hub.On(name, fn)
}

func (c *Connection) Off(sub Subscription) {
	c.hub.Off(sub)
}

func (c *Connection) OffAll(name string) {
	c.hub.OffAll(name)
}

// Subscribers reports how many handlers are registered for name.
func (c *Connection) Subscribers(name string) int {
	return c.hub.Count(name)
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) IsConnected() bool {
	return c.Status() == StatusConnected
}

func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the socket unless it is already open or opening. When it is
// already open, subscribers are notified with an OpenEvent marked Repeat.
func (c *Connection) Connect() {
	c.mu.Lock()
	switch c.status {
	case StatusConnected:
		c.mu.Unlock()
		c.hub.Emit(EventOpen, OpenEvent{Repeat: true})
		return
	case StatusConnecting:
		// Subscribers are notified by the pending dial's open.
		c.mu.Unlock()
		return
	case StatusDisconnected:
		c.attempts = 0
	}
	c.manualClose = false
	c.stopReconnectLocked()
	gen := c.beginDialLocked()
	c.mu.Unlock()

	go c.dial(gen)
}

// Disconnect closes the socket with a normal closure. No reconnection is
// attempted afterwards until the next Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	c.stopReconnectLocked()
	c.attempts = 0
	// Anything still in flight for the old socket becomes stale.
	c.generation++
	t := c.transport
	c.transport = nil
	active := c.status != StatusDisconnected
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if t != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.WriteMessage(websocket.CloseMessage, msg); err != nil {
			c.logger.Debug("failed to write close frame", "error", err)
		}
		c.writeMu.Unlock()
		_ = t.Close()
	}

	if active {
		c.hub.Emit(EventClose, CloseEvent{Code: websocket.CloseNormalClosure, Manual: true})
	}
}

// WaitConnected blocks until the socket is open or ctx is done.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send serializes v and writes it as a text frame. When the socket is not
// open yet it waits up to ConnectWait for it.
func (c *Connection) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	t, err := c.waitTransport(ctx)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := t.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *Connection) waitTransport(ctx context.Context) (Transport, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectWait)
	defer cancel()

	if err := c.WaitConnected(waitCtx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil, ErrNotConnected
	}
	return c.transport, nil
}

func (c *Connection) beginDialLocked() uint64 {
	c.generation++
	c.setStatusLocked(StatusConnecting)
	return c.generation
}

func (c *Connection) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	t, err := c.dialer.Dial(ctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("websocket dial failed", "url", c.cfg.URL, "error", err)
		c.hub.Emit(EventError, ErrorEvent{Err: err})
		c.handleClose(gen, CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
		return
	}

	c.transport = t
	c.attempts = 0
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("websocket connected", "url", c.cfg.URL)
	c.hub.Emit(EventOpen, OpenEvent{})

	go c.readLoop(gen, t)
}

func (c *Connection) readLoop(gen uint64, t Transport) {
	for {
		_, data, err := t.ReadMessage()
		if err != nil {
			_ = t.Close()
			c.handleClose(gen, closeEventFrom(err))
			return
		}
		c.dispatch(data)
	}
}

// dispatch runs on the read goroutine, so frames are handled one at a time
// in arrival order.
func (c *Connection) dispatch(data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	ev := FrameEvent{Frame: frame}
	if frame.Event != "" {
		c.hub.Emit(frame.Event, ev)
	}
	c.hub.Emit(EventMessage, ev)
}

func (c *Connection) handleClose(gen uint64, ev CloseEvent) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.transport = nil

	if c.manualClose {
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		ev.Manual = true
		c.hub.Emit(EventClose, ev)
		return
	}

	if c.attempts >= c.cfg.Reconnect.MaxAttempts {
		attempts := c.attempts
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()

		c.logger.Error("websocket reconnection failed", "attempts", attempts)
		c.hub.Emit(EventClose, ev)
		c.hub.Emit(EventReconnectionFailed, ReconnectionFailedEvent{Attempts: attempts})
		return
	}

	delay := c.cfg.Reconnect.Delay(c.attempts, c.jitter())
	c.attempts++
	attempt := c.attempts
	c.setStatusLocked(StatusReconnecting)
	c.reconnect = c.afterFunc(delay, func() { c.reconnectNow(gen) })
	c.mu.Unlock()

	c.logger.Warn("websocket closed, reconnecting",
		"code", ev.Code,
		"attempt", attempt,
		"delay", delay)
	c.hub.Emit(EventClose, ev)
	c.hub.Emit(EventReconnecting, ReconnectingEvent{Attempt: attempt, Delay: delay})
}

func (c *Connection) reconnectNow(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.status != StatusReconnecting || c.manualClose {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	next := c.beginDialLocked()
	c.mu.Unlock()

	c.dial(next)
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Connection) setStatusLocked(s Status) {
	if s == c.status {
		return
	}
	if s == StatusConnected {
		close(c.ready)
	} else if c.status == StatusConnected {
		c.ready = make(chan struct{})
	}
	c.status = s
}
