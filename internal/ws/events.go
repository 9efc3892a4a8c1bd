package ws

import (
	"time"

	"besedka/internal/models"
)

// Lifecycle event names. Server frames are dispatched under their own
// event name in addition to EventMessage.
const (
	EventOpen               = "open"
	EventClose              = "close"
	EventError              = "error"
	EventReconnecting       = "reconnecting"
	EventReconnectionFailed = "reconnection_failed"
	EventMessage            = "message"
)

// Event is one of OpenEvent, CloseEvent, ErrorEvent, ReconnectingEvent,
// ReconnectionFailedEvent or FrameEvent.
type Event interface {
	event()
}

type OpenEvent struct {
	// Repeat is set when Connect found the socket already open.
	Repeat bool
}

type CloseEvent struct {
	Code   int
	Reason string
	// Manual is set when the close was requested through Disconnect.
	Manual bool
}

type ErrorEvent struct {
	Err error
}

type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

type ReconnectionFailedEvent struct {
	Attempts int
}

// FrameEvent carries a parsed server frame. Unknown event names arrive
// this way too.
type FrameEvent struct {
	Frame models.Frame
}

func (OpenEvent) event()               {}
func (CloseEvent) event()              {}
func (ErrorEvent) event()              {}
func (ReconnectingEvent) event()       {}
func (ReconnectionFailedEvent) event() {}
func (FrameEvent) event()              {}
