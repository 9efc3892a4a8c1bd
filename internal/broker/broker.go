package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"besedka/internal/models"
	"besedka/internal/ws"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrTimeout = errors.New("request timed out")
)

// TimeoutError reports a correlated request that got no reply in time.
type TimeoutError struct {
	Event   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no reply within %v", e.Event, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProtocolError is a reply that arrived with a non-success status.
type ProtocolError struct {
	Event   string
	Status  string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// Conn is the part of ws.Connection the broker needs.
type Conn interface {
	On(name string, fn ws.Handler) ws.Subscription
	Off(sub ws.Subscription)
	Send(ctx context.Context, v any) error
}

// Broker turns "send event E, wait for the next frame named E" into a
// single call. Replies are correlated by event name only, so calls that
// share an event name are served one at a time in arrival order.
type Broker struct {
	conn    Conn
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func New(conn Conn, timeout time.Duration, logger *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		slots:   make(map[string]chan struct{}),
	}
}

// Send writes an envelope without waiting for any reply.
func (b *Broker) Send(ctx context.Context, event string, payload any) error {
	if err := b.conn.Send(ctx, models.NewRequest(event, payload)); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return nil
}

// Request sends the envelope and returns the data of the correlated reply.
// A zero timeout uses the broker default.
func (b *Broker) Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}

	release, err := b.acquire(ctx, event)
	if err != nil {
		return nil, err
	}
	defer release()

	replies := make(chan models.Frame, 1)
	var once sync.Once
	sub := b.conn.On(event, func(ev ws.Event) {
		fe, ok := ev.(ws.FrameEvent)
		if !ok {
			return
		}
		once.Do(func() { replies <- fe.Frame })
	})
	defer b.conn.Off(sub)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := b.conn.Send(ctx, models.NewRequest(event, payload)); err != nil {
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	select {
	case frame := <-replies:
		if !frame.OK() {
			msg := frame.ErrorMessage()
			if msg == "" {
				msg = event + " failed"
			}
			return nil, &ProtocolError{Event: event, Status: frame.Status, Message: msg}
		}
		return frame.Data, nil
	case <-timer.C:
		b.logger.Warn("request timed out", "event", event, "timeout", timeout)
		return nil, &TimeoutError{Event: event, Timeout: timeout}
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", event, ctx.Err())
	}
}

// acquire takes the single in-flight slot for an event name.
func (b *Broker) acquire(ctx context.Context, event string) (func(), error) {
	b.mu.Lock()
	slot, ok := b.slots[event]
	if !ok {
		slot = make(chan struct{}, 1)
		b.slots[event] = slot
	}
	b.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", event, ctx.Err())
	}
}

// Decode is a helper for services unmarshaling reply data.
func Decode[T any](data json.RawMessage, err error) (T, error) {
	var v T
	if err != nil {
		return v, err
	}
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode reply: %w", err)
	}
	return v, nil
}
