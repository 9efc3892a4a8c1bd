package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Action is the fixed top-level action of every client envelope.
const Action = "onchat"

const StatusSuccess = "success"

// Event names shared by requests, replies and broadcasts.
const (
	EventLogin            = "LOGIN"
	EventReLogin          = "RE_LOGIN"
	EventRegister         = "REGISTER"
	EventLogout           = "LOGOUT"
	EventSendChat         = "SEND_CHAT"
	EventGetRoomMessages  = "GET_ROOM_CHAT_MES"
	EventGetPeopleMessage = "GET_PEOPLE_CHAT_MES"
	EventCreateRoom       = "CREATE_ROOM"
	EventJoinRoom         = "JOIN_ROOM"
	EventLeaveRoom        = "LEAVE_ROOM"
	EventGetUserList      = "GET_USER_LIST"
	EventCheckUserExist   = "CHECK_USER_EXIST"
	EventUserOnline       = "USER_ONLINE"
	EventUserOffline      = "USER_OFFLINE"
)

// Request is the envelope sent from the client to the server.
type Request struct {
	Action string      `json:"action"`
	Data   RequestData `json:"data"`
}

type RequestData struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func NewRequest(event string, payload any) Request {
	return Request{
		Action: Action,
		Data:   RequestData{Event: event, Data: payload},
	}
}

// Frame is any envelope received from the server, reply or broadcast alike.
type Frame struct {
	Event   string          `json:"event"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Mes     string          `json:"mes,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (f Frame) OK() bool {
	return f.Status == StatusSuccess
}

// ErrorMessage returns the server supplied failure text, if any.
func (f Frame) ErrorMessage() string {
	if f.Mes != "" {
		return f.Mes
	}
	return f.Message
}

type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

type ChatType string

const (
	ChatTypeRoom   ChatType = "room"
	ChatTypePeople ChatType = "people"
)

// Message is a chat message as presented to the UI.
type Message struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Type      ChatType      `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status"`
}

// Conversation is a room or a direct peer shown in the sidebar.
type Conversation struct {
	Name        string    `json:"name"`
	Type        ChatType  `json:"type"`
	LastMessage string    `json:"lastMessage"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UnreadCount int       `json:"unreadCount"`
}

// UserType is the roster discriminator used on the wire.
type UserType int

const (
	UserTypePeople UserType = 0
	UserTypeRoom   UserType = 1
)

func (t UserType) ChatType() ChatType {
	if t == UserTypeRoom {
		return ChatTypeRoom
	}
	return ChatTypePeople
}

// User is a roster entry: either a person or a group room.
type User struct {
	Name       string   `json:"name"`
	Type       UserType `json:"type"`
	ActionTime string   `json:"actionTime,omitempty"`
	Online     bool     `json:"-"`
}

// ChatRecord is a raw chat row as the server sends it, both in history
// pages and in SEND_CHAT broadcasts.
type ChatRecord struct {
	ID       FlexID     `json:"id"`
	Name     string     `json:"name"`
	Type     RecordType `json:"type"`
	To       string     `json:"to"`
	Mes      string     `json:"mes"`
	CreateAt string     `json:"createAt"`
}

func (r ChatRecord) ChatType() ChatType {
	if r.Type == RecordTypeRoom {
		return ChatTypeRoom
	}
	return ChatTypePeople
}

// RecordType is 0 for direct messages and 1 for room messages. Broadcasts
// may echo the client's "people"/"room" string instead of the number.
type RecordType int

const (
	RecordTypePeople RecordType = 0
	RecordTypeRoom   RecordType = 1
)

func (t *RecordType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = RecordTypePeople
		return nil
	}
	if b[0] != '"' {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*t = RecordType(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch ChatType(s) {
	case ChatTypeRoom:
		*t = RecordTypeRoom
	case ChatTypePeople, "":
		*t = RecordTypePeople
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("unknown record type %q", s)
		}
		*t = RecordType(n)
	}
	return nil
}

// FlexID accepts ids encoded either as JSON numbers or strings.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Session is the opaque credential kept between process runs.
type Session struct {
	User        string    `json:"user"`
	ReLoginCode string    `json:"reLoginCode"`
	SavedAt     time.Time `json:"savedAt"`
}
