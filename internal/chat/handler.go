package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"besedka/internal/content"
	"besedka/internal/models"
	"besedka/internal/ws"

	"github.com/google/uuid"
)

// Subscriber is the part of ws.Connection the handler listens on.
type Subscriber interface {
	On(name string, fn ws.Handler) ws.Subscription
	Off(sub ws.Subscription)
}

var pushEvents = []string{
	models.EventSendChat,
	models.EventJoinRoom,
	models.EventLeaveRoom,
	models.EventCreateRoom,
	models.EventUserOnline,
	models.EventUserOffline,
}

type roomPayload struct {
	Name string `json:"name"`
	User string `json:"user,omitempty"`
}

type presencePayload struct {
	User string `json:"user"`
	Name string `json:"name"`
}

// Handler turns server push frames into Store updates.
type Handler struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	conn Subscriber
	subs []ws.Subscription
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger, now: time.Now}
}

// Attach subscribes to every push event on conn. Attaching again moves the
// subscriptions to the new connection.
func (h *Handler) Attach(conn Subscriber) {
	h.Detach()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = conn
	for _, name := range pushEvents {
		h.subs = append(h.subs, conn.On(name, h.onEvent))
	}
}

func (h *Handler) Detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		h.conn.Off(sub)
	}
	h.subs = nil
	h.conn = nil
}

func (h *Handler) onEvent(ev ws.Event) {
	fe, ok := ev.(ws.FrameEvent)
	if !ok {
		return
	}
	h.HandleFrame(fe.Frame)
}

// HandleFrame applies one push frame. Frames without a success status are
// ignored.
func (h *Handler) HandleFrame(f models.Frame) {
	if !f.OK() {
		h.logger.Debug("ignoring unsuccessful push frame", "event", f.Event, "status", f.Status)
		return
	}

	switch f.Event {
	case models.EventSendChat:
		h.handleChat(f)
	case models.EventJoinRoom, models.EventCreateRoom:
		var p roomPayload
		if h.decode(f, &p) {
			h.store.UpsertRoom(p.Name)
		}
	case models.EventLeaveRoom:
		var p roomPayload
		if !h.decode(f, &p) {
			return
		}
		// Another member leaving does not remove the room for us.
		if p.User == "" || p.User == h.store.Self() {
			h.store.RemoveRoom(p.Name)
		}
	case models.EventUserOnline, models.EventUserOffline:
		var p presencePayload
		if !h.decode(f, &p) {
			return
		}
		name := p.User
		if name == "" {
			name = p.Name
		}
		h.store.SetOnline(name, f.Event == models.EventUserOnline)
	}
}

func (h *Handler) handleChat(f models.Frame) {
	var record models.ChatRecord
	if !h.decode(f, &record) {
		return
	}
	h.store.Apply(h.ToMessage(record))
}

// ToMessage converts a wire record into a confirmed Message, filling in
// missing ids and timestamps.
func (h *Handler) ToMessage(r models.ChatRecord) models.Message {
	id := string(r.ID)
	if id == "" {
		id = "local_" + uuid.NewString()
	}
	ts, ok := parseTimestamp(r.CreateAt)
	if !ok {
		ts = h.now()
	}
	return models.Message{
		ID:        id,
		Content:   content.Normalize(r.Mes),
		Sender:    r.Name,
		Receiver:  r.To,
		Type:      r.ChatType(),
		Timestamp: ts,
		Status:    models.MessageStatusSent,
	}
}

// ToMessages converts a history page. Pages arrive newest first.
func (h *Handler) ToMessages(records []models.ChatRecord) []models.Message {
	out := make([]models.Message, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, h.ToMessage(records[i]))
	}
	return out
}

func (h *Handler) decode(f models.Frame, v any) bool {
	if len(f.Data) == 0 {
		h.logger.Warn("push frame without data", "event", f.Event)
		return false
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		h.logger.Warn("failed to decode push frame", "event", f.Event, "error", err)
		return false
	}
	return true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
