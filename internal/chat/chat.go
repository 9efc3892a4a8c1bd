package chat

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"besedka/internal/content"
	"besedka/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

// TempPrefix marks ids of messages not yet confirmed by the server.
const TempPrefix = "temp_"

func IsOptimistic(m models.Message) bool {
	return strings.HasPrefix(m.ID, TempPrefix)
}

type ChangeKind string

const (
	ChangeMessageAdded      ChangeKind = "message_added"
	ChangeMessageReconciled ChangeKind = "message_reconciled"
	ChangeMessageFailed     ChangeKind = "message_failed"
	ChangeConversation      ChangeKind = "conversation"
	ChangeRoster            ChangeKind = "roster"
)

type Change struct {
	Kind    ChangeKind
	Message models.Message
	// ReplacedID is the optimistic id a reconciled message took the place of.
	ReplacedID   string
	Conversation string
}

type Config struct {
	Self       string
	Reconciler Reconciler
	// OnChange is called after every state change, outside the store lock.
	OnChange func(Change)
}

// Store is the client-visible chat state of one session.
type Store struct {
	self     string
	active   string
	messages []models.Message

	conversations geche.Geche[string, models.Conversation]
	users         geche.Geche[string, models.User]

	reconciler Reconciler
	onChange   func(Change)
	now        func() time.Time

	mux sync.RWMutex
}

func New(config Config) *Store {
	r := config.Reconciler
	if r == nil {
		r = ContentReceiverMatch{}
	}
	return &Store{
		self:          config.Self,
		conversations: geche.NewMapCache[string, models.Conversation](),
		users:         geche.NewMapCache[string, models.User](),
		reconciler:    r,
		onChange:      config.OnChange,
		now:           time.Now,
	}
}

func (s *Store) SetSelf(name string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.self = name
}

func (s *Store) Self() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.self
}

// SetActive marks the conversation the user is looking at and clears its
// unread counter.
func (s *Store) SetActive(name string) {
	s.mux.Lock()
	s.active = name
	conv, err := s.conversations.Get(name)
	if err == nil && conv.UnreadCount > 0 {
		conv.UnreadCount = 0
		s.conversations.Set(name, conv)
	}
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeConversation, Conversation: name})
}

func (s *Store) Active() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.active
}

// AddOptimistic records a message the user just submitted, before the
// server has seen it.
func (s *Store) AddOptimistic(chatType models.ChatType, to, text string) models.Message {
	s.mux.Lock()
	msg := models.Message{
		ID:        TempPrefix + uuid.NewString(),
		Content:   content.Normalize(text),
		Sender:    s.self,
		Receiver:  to,
		Type:      chatType,
		Timestamp: s.now(),
		Status:    models.MessageStatusSending,
	}
	s.messages = append(s.messages, msg)
	s.touchLocked(to, chatType, msg, false)
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeMessageAdded, Message: msg})
	return msg
}

// MarkFailed flags an optimistic message whose send failed. The message
// stays in place.
func (s *Store) MarkFailed(id string) error {
	s.mux.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mux.Unlock()
		return models.ErrNotFound
	}
	s.messages[i].Status = models.MessageStatusFailed
	msg := s.messages[i]
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeMessageFailed, Message: msg})
	return nil
}

// Apply merges a confirmed message from the server. A confirmed echo of
// our own optimistic message replaces it at the same position; anything
// else is appended unless a message with the same id is already held.
// It reports whether an optimistic message was replaced.
func (s *Store) Apply(msg models.Message) bool {
	msg.Status = models.MessageStatusSent
	if msg.Type == "" {
		msg.Type = models.ChatTypePeople
	}

	s.mux.Lock()
	self := s.self
	if msg.Sender != "" && msg.Sender == self {
		if i := s.reconciler.Match(s.messages, msg); i >= 0 {
			replaced := s.messages[i].ID
			s.messages = slices.Delete(s.messages, i, i+1)
			s.messages = slices.Insert(s.messages, i, msg)
			s.touchLocked(msg.Receiver, msg.Type, msg, false)
			s.mux.Unlock()

			s.notify(Change{Kind: ChangeMessageReconciled, Message: msg, ReplacedID: replaced})
			return true
		}
	}

	if s.indexLocked(msg.ID) >= 0 {
		s.mux.Unlock()
		return false
	}

	s.messages = append(s.messages, msg)
	countUnread := msg.Sender != self
	// A direct message touches both sides, self being skipped. A room
	// message only touches the room.
	if msg.Type == models.ChatTypePeople {
		s.touchLocked(msg.Sender, models.ChatTypePeople, msg, countUnread)
	}
	s.touchLocked(msg.Receiver, msg.Type, msg, countUnread)

	rosterChanged := false
	if msg.Sender != "" && msg.Sender != self {
		if _, err := s.users.Get(msg.Sender); err != nil {
			s.users.Set(msg.Sender, models.User{Name: msg.Sender, Type: models.UserTypePeople})
			rosterChanged = true
		}
	}
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeMessageAdded, Message: msg})
	if rosterChanged {
		s.notify(Change{Kind: ChangeRoster})
	}
	return false
}

// LoadHistory merges a fetched page of confirmed messages, skipping ids
// already held, and keeps messages ordered by time.
func (s *Store) LoadHistory(msgs []models.Message) int {
	s.mux.Lock()
	added := 0
	for _, m := range msgs {
		if s.indexLocked(m.ID) >= 0 {
			continue
		}
		m.Status = models.MessageStatusSent
		s.messages = append(s.messages, m)
		added++
	}
	slices.SortStableFunc(s.messages, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	s.mux.Unlock()

	if added > 0 {
		s.notify(Change{Kind: ChangeMessageAdded})
	}
	return added
}

func (s *Store) Messages() []models.Message {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.messages)
}

// Thread returns the messages exchanged with a peer or posted to a room.
func (s *Store) Thread(name string) []models.Message {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []models.Message
	for _, m := range s.messages {
		switch {
		case m.Type == models.ChatTypeRoom && m.Receiver == name:
			out = append(out, m)
		case m.Type != models.ChatTypeRoom && (m.Receiver == name || m.Sender == name):
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) Message(id string) (models.Message, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.Message{}, false
	}
	return s.messages[i], true
}

func (s *Store) Conversation(name string) (models.Conversation, bool) {
	conv, err := s.conversations.Get(name)
	return conv, err == nil
}

// Conversations are ordered by most recent activity first.
func (s *Store) Conversations() []models.Conversation {
	snapshot := s.conversations.Snapshot()
	out := make([]models.Conversation, 0, len(snapshot))
	for _, c := range snapshot {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

func (s *Store) User(name string) (models.User, bool) {
	u, err := s.users.Get(name)
	return u, err == nil
}

func (s *Store) Users() []models.User {
	snapshot := s.users.Snapshot()
	out := make([]models.User, 0, len(snapshot))
	for _, u := range snapshot {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b models.User) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// SetRoster upserts roster entries; online flags already known are kept.
func (s *Store) SetRoster(list []models.User) {
	s.mux.Lock()
	for _, u := range list {
		if old, err := s.users.Get(u.Name); err == nil {
			u.Online = old.Online
		}
		s.users.Set(u.Name, u)
		s.ensureConversationLocked(u.Name, u.Type.ChatType())
	}
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeRoster})
}

// UpsertRoom records a room we created, joined or were told about.
func (s *Store) UpsertRoom(name string) {
	if name == "" {
		return
	}
	s.mux.Lock()
	s.users.Set(name, models.User{Name: name, Type: models.UserTypeRoom})
	s.ensureConversationLocked(name, models.ChatTypeRoom)
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeRoster})
}

func (s *Store) RemoveRoom(name string) {
	s.mux.Lock()
	_ = s.users.Del(name)
	_ = s.conversations.Del(name)
	if s.active == name {
		s.active = ""
	}
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeRoster})
}

func (s *Store) SetOnline(name string, online bool) {
	if name == "" {
		return
	}
	s.mux.Lock()
	u, err := s.users.Get(name)
	if err != nil {
		u = models.User{Name: name, Type: models.UserTypePeople}
	}
	u.Online = online
	s.users.Set(name, u)
	s.mux.Unlock()

	s.notify(Change{Kind: ChangeRoster})
}

func (s *Store) touchLocked(name string, chatType models.ChatType, msg models.Message, countUnread bool) {
	if name == "" || name == s.self {
		return
	}
	conv, err := s.conversations.Get(name)
	if err != nil {
		conv = models.Conversation{Name: name, Type: chatType}
	}
	conv.LastMessage = msg.Content
	conv.UpdatedAt = msg.Timestamp
	if countUnread && name != s.active {
		conv.UnreadCount++
	}
	s.conversations.Set(name, conv)
}

func (s *Store) ensureConversationLocked(name string, chatType models.ChatType) {
	if name == "" || name == s.self {
		return
	}
	if _, err := s.conversations.Get(name); err == nil {
		return
	}
	s.conversations.Set(name, models.Conversation{Name: name, Type: chatType})
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
}

func (s *Store) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}
