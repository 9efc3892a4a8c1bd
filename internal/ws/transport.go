package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// Transport is the part of *websocket.Conn the Connection relies on.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// GorillaDialer opens transports with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func closeEventFrom(err error) CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseEvent{Code: ce.Code, Reason: ce.Text}
	}
	return CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}
