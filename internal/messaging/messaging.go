package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"besedka/internal/broker"
	"besedka/internal/content"
	"besedka/internal/models"

	"golang.org/x/time/rate"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNoRecipient   = errors.New("recipient is required")
	ErrEmptyRoomName = errors.New("room name is required")
)

type ChatRequest struct {
	Type models.ChatType `json:"type"`
	To   string          `json:"to"`
	Mes  string          `json:"mes"`
}

type PageRequest struct {
	Name string `json:"name"`
	Page int    `json:"page"`
}

type RoomRequest struct {
	Name string `json:"name"`
}

type RoomMember struct {
	ID   models.FlexID `json:"id"`
	Name string        `json:"name"`
}

// Room is the server's view of a group room, including one page of history
// when it answers GET_ROOM_CHAT_MES.
type Room struct {
	ID       models.FlexID       `json:"id"`
	Name     string              `json:"name"`
	Own      string              `json:"own"`
	UserList []RoomMember        `json:"userList"`
	ChatData []models.ChatRecord `json:"chatData"`
}

type Requester interface {
	Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error)
	Send(ctx context.Context, event string, payload any) error
}

type Service struct {
	broker  Requester
	limiter *rate.Limiter
}

// NewService throttles outgoing chat messages to perSecond with the given
// burst. A non-positive rate disables throttling.
func NewService(b Requester, perSecond float64, burst int) *Service {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		broker:  b,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// SendChat does not wait for a reply: the server confirms by broadcasting
// the message back as SEND_CHAT.
func (s *Service) SendChat(ctx context.Context, req ChatRequest) error {
	if req.To == "" {
		return ErrNoRecipient
	}
	if req.Mes == "" {
		return ErrEmptyMessage
	}
	if req.Type == "" {
		req.Type = models.ChatTypePeople
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttled: %w", err)
	}

	req.Mes = content.EncodeEmoji(req.Mes)
	return s.broker.Send(ctx, models.EventSendChat, req)
}

func (s *Service) GetRoomMessages(ctx context.Context, req PageRequest) (Room, error) {
	if req.Name == "" {
		return Room{}, ErrEmptyRoomName
	}
	if req.Page < 1 {
		req.Page = 1
	}
	return broker.Decode[Room](s.broker.Request(ctx, models.EventGetRoomMessages, req, 0))
}

func (s *Service) GetPeopleMessages(ctx context.Context, req PageRequest) ([]models.ChatRecord, error) {
	if req.Name == "" {
		return nil, ErrNoRecipient
	}
	if req.Page < 1 {
		req.Page = 1
	}
	return broker.Decode[[]models.ChatRecord](s.broker.Request(ctx, models.EventGetPeopleMessage, req, 0))
}

func (s *Service) CreateRoom(ctx context.Context, name string) (Room, error) {
	if name == "" {
		return Room{}, ErrEmptyRoomName
	}
	return broker.Decode[Room](s.broker.Request(ctx, models.EventCreateRoom, RoomRequest{Name: name}, 0))
}

func (s *Service) JoinRoom(ctx context.Context, name string) (Room, error) {
	if name == "" {
		return Room{}, ErrEmptyRoomName
	}
	return broker.Decode[Room](s.broker.Request(ctx, models.EventJoinRoom, RoomRequest{Name: name}, 0))
}

func (s *Service) LeaveRoom(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyRoomName
	}
	_, err := s.broker.Request(ctx, models.EventLeaveRoom, RoomRequest{Name: name}, 0)
	return err
}
