package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"besedka/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	event   string
	payload any
}

type fakeBroker struct {
	requests []call
	sends    []call
	replies  map[string]string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{replies: map[string]string{}}
}

func (f *fakeBroker) Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f.requests = append(f.requests, call{event, payload})
	return json.RawMessage(f.replies[event]), nil
}

func (f *fakeBroker) Send(ctx context.Context, event string, payload any) error {
	f.sends = append(f.sends, call{event, payload})
	return nil
}

func TestSendChat(t *testing.T) {
	b := newFakeBroker()
	svc := NewService(b, 0, 0)

	err := svc.SendChat(context.Background(), ChatRequest{To: "bob", Mes: "hi 😀"})
	require.NoError(t, err)

	require.Len(t, b.sends, 1)
	assert.Empty(t, b.requests)
	assert.Equal(t, models.EventSendChat, b.sends[0].event)
	assert.Equal(t, ChatRequest{Type: models.ChatTypePeople, To: "bob", Mes: "hi %F0%9F%98%80"}, b.sends[0].payload)
}

func TestSendChat_Validation(t *testing.T) {
	svc := NewService(newFakeBroker(), 0, 0)

	require.ErrorIs(t, svc.SendChat(context.Background(), ChatRequest{Mes: "x"}), ErrNoRecipient)
	require.ErrorIs(t, svc.SendChat(context.Background(), ChatRequest{To: "bob"}), ErrEmptyMessage)
}

func TestSendChat_Throttled(t *testing.T) {
	b := newFakeBroker()
	svc := NewService(b, 1, 1)

	require.NoError(t, svc.SendChat(context.Background(), ChatRequest{To: "bob", Mes: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := svc.SendChat(ctx, ChatRequest{To: "bob", Mes: "2"})
	require.Error(t, err)
	assert.Len(t, b.sends, 1)
}

func TestGetRoomMessages(t *testing.T) {
	b := newFakeBroker()
	b.replies[models.EventGetRoomMessages] = `{
		"id": 7, "name": "dev", "own": "alice",
		"userList": [{"id": 1, "name": "alice"}],
		"chatData": [{"id": 99, "name": "bob", "type": 1, "to": "dev", "mes": "yo", "createAt": "2024-01-01 10:00:00"}]
	}`
	svc := NewService(b, 0, 0)

	room, err := svc.GetRoomMessages(context.Background(), PageRequest{Name: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "dev", room.Name)
	assert.Equal(t, models.FlexID("7"), room.ID)
	require.Len(t, room.ChatData, 1)
	assert.Equal(t, models.FlexID("99"), room.ChatData[0].ID)
	assert.Equal(t, models.ChatTypeRoom, room.ChatData[0].ChatType())

	assert.Equal(t, PageRequest{Name: "dev", Page: 1}, b.requests[0].payload)
}

func TestGetPeopleMessages(t *testing.T) {
	b := newFakeBroker()
	b.replies[models.EventGetPeopleMessage] = `[{"id": "a1", "name": "bob", "type": 0, "to": "alice", "mes": "hey"}]`
	svc := NewService(b, 0, 0)

	records, err := svc.GetPeopleMessages(context.Background(), PageRequest{Name: "bob", Page: 3})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hey", records[0].Mes)
	assert.Equal(t, PageRequest{Name: "bob", Page: 3}, b.requests[0].payload)

	_, err = svc.GetPeopleMessages(context.Background(), PageRequest{})
	require.ErrorIs(t, err, ErrNoRecipient)
}

func TestRooms(t *testing.T) {
	b := newFakeBroker()
	b.replies[models.EventCreateRoom] = `{"name": "dev", "own": "alice"}`
	b.replies[models.EventJoinRoom] = `{"name": "ops"}`
	svc := NewService(b, 0, 0)

	room, err := svc.CreateRoom(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "alice", room.Own)

	room, err = svc.JoinRoom(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", room.Name)

	require.NoError(t, svc.LeaveRoom(context.Background(), "ops"))

	events := []string{}
	for _, c := range b.requests {
		events = append(events, c.event)
	}
	assert.Equal(t, []string{models.EventCreateRoom, models.EventJoinRoom, models.EventLeaveRoom}, events)

	_, err = svc.CreateRoom(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyRoomName)
}
