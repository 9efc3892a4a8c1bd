package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"besedka/internal/broker"
	"besedka/internal/chat"
	"besedka/internal/models"
	"besedka/internal/storage"
	"besedka/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbound struct {
	Action string `json:"action"`
	Data   struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	} `json:"data"`
}

// chatServer speaks just enough of the protocol for one client at a time.
type chatServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	events   []string
	nextID   int
	password map[string]string
	codes    map[string]string
	history  map[string][]models.ChatRecord
}

func newChatServer(t *testing.T) (*chatServer, string) {
	s := &chatServer{
		nextID:   100,
		password: map[string]string{"alice": "secret"},
		codes:    map[string]string{},
		history:  map[string][]models.ChatRecord{},
	}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *chatServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	defer conn.Close()

	var user string
	for {
		var req inbound
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.events = append(s.events, req.Data.Event)
		s.mu.Unlock()

		event := req.Data.Event
		switch event {
		case models.EventLogin:
			var p struct{ User, Pass string }
			_ = json.Unmarshal(req.Data.Data, &p)
			s.mu.Lock()
			ok := s.password[p.User] == p.Pass
			code := "code-" + p.User
			if ok {
				s.codes[p.User] = code
			}
			s.mu.Unlock()
			if !ok {
				s.reply(conn, event, "error", nil, "bad credentials")
				continue
			}
			user = p.User
			s.reply(conn, event, models.StatusSuccess, map[string]string{"RE_LOGIN_CODE": code}, "")
		case models.EventReLogin:
			var p struct{ User, Code string }
			_ = json.Unmarshal(req.Data.Data, &p)
			s.mu.Lock()
			ok := p.Code != "" && s.codes[p.User] == p.Code
			s.mu.Unlock()
			if !ok {
				s.reply(conn, event, "error", nil, "invalid code")
				continue
			}
			user = p.User
			s.reply(conn, event, models.StatusSuccess, map[string]string{}, "")
		case models.EventGetUserList:
			s.reply(conn, event, models.StatusSuccess, []models.User{
				{Name: "bob", Type: models.UserTypePeople},
				{Name: "dev", Type: models.UserTypeRoom},
			}, "")
		case models.EventGetPeopleMessage:
			var p struct{ Name string }
			_ = json.Unmarshal(req.Data.Data, &p)
			s.mu.Lock()
			records := s.history[p.Name]
			s.mu.Unlock()
			s.reply(conn, event, models.StatusSuccess, records, "")
		case models.EventSendChat:
			var p struct{ Type, To, Mes string }
			_ = json.Unmarshal(req.Data.Data, &p)
			s.mu.Lock()
			s.nextID++
			rec := models.ChatRecord{
				ID:       models.FlexID(strconv.Itoa(s.nextID)),
				Name:     user,
				To:       p.To,
				Mes:      p.Mes,
				CreateAt: time.Now().Format("2006-01-02 15:04:05"),
			}
			s.mu.Unlock()
			s.reply(conn, event, models.StatusSuccess, rec, "")
		case models.EventLogout:
			s.reply(conn, event, models.StatusSuccess, nil, "")
		}
	}
}

func (s *chatServer) reply(conn *websocket.Conn, event, status string, data any, mes string) {
	frame := map[string]any{"event": event, "status": status}
	if data != nil {
		frame["data"] = data
	}
	if mes != "" {
		frame["mes"] = mes
	}
	// The client may already be gone.
	_ = conn.WriteJSON(frame)
}

// dropAll closes every server side socket without a close frame.
func (s *chatServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *chatServer) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func newApp(t *testing.T, url string, sessions SessionStore) *App {
	t.Helper()
	app := New(Options{
		Connection: ws.Config{
			URL:         url,
			ConnectWait: time.Second,
			Reconnect: ws.ReconnectConfig{
				MaxAttempts:   3,
				InitialDelay:  10 * time.Millisecond,
				MaxDelay:      50 * time.Millisecond,
				BackoffFactor: 2,
			},
		},
		RequestTimeout: 2 * time.Second,
		Sessions:       sessions,
	})
	t.Cleanup(app.Close)
	return app
}

func openSessions(t *testing.T, path string) *storage.BboltStorage {
	t.Helper()
	db, err := storage.NewBboltStorage(path)
	require.NoError(t, err)
	return db
}

func TestApp_LoginSendAndReconcile(t *testing.T) {
	_, url := newChatServer(t)
	app := newApp(t, url, nil)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Login(ctx, "alice", "secret"))
	assert.Equal(t, "alice", app.Self())

	_, ok := app.Store().User("dev")
	assert.True(t, ok, "roster is loaded after login")

	msg, err := app.SendMessage(ctx, models.ChatTypePeople, "bob", "hi 😀")
	require.NoError(t, err)
	assert.True(t, chat.IsOptimistic(msg))

	require.Eventually(t, func() bool {
		msgs := app.Store().Thread("bob")
		return len(msgs) == 1 && !chat.IsOptimistic(msgs[0])
	}, 2*time.Second, 10*time.Millisecond)

	got := app.Store().Thread("bob")[0]
	assert.Equal(t, "101", got.ID)
	assert.Equal(t, "hi 😀", got.Content)
	assert.Equal(t, models.MessageStatusSent, got.Status)
}

func TestApp_LoginRejected(t *testing.T) {
	_, url := newChatServer(t)
	app := newApp(t, url, nil)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	err := app.Login(ctx, "alice", "wrong")

	var perr *broker.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad credentials", perr.Message)
	assert.Empty(t, app.Self())
}

func TestApp_SendRequiresLogin(t *testing.T) {
	_, url := newChatServer(t)
	app := newApp(t, url, nil)

	_, err := app.SendMessage(context.Background(), models.ChatTypePeople, "bob", "x")
	require.ErrorIs(t, err, ErrNotLoggedIn)
	assert.Empty(t, app.Store().Messages())
}

func TestApp_SessionRestoredOnStart(t *testing.T) {
	_, url := newChatServer(t)
	path := filepath.Join(t.TempDir(), "session.db")
	ctx := context.Background()

	db := openSessions(t, path)
	first := newApp(t, url, db)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Login(ctx, "alice", "secret"))
	first.Close()
	require.NoError(t, db.Close())

	db = openSessions(t, path)
	defer db.Close()
	second := newApp(t, url, db)
	require.NoError(t, second.Start(ctx))
	assert.Equal(t, "alice", second.Self())
}

func TestApp_RejectedSessionIsCleared(t *testing.T) {
	_, url := newChatServer(t)
	db := openSessions(t, filepath.Join(t.TempDir(), "session.db"))
	defer db.Close()
	require.NoError(t, db.SaveSession(models.Session{User: "alice", ReLoginCode: "stale"}))

	app := newApp(t, url, db)
	require.NoError(t, app.Start(context.Background()))
	assert.Empty(t, app.Self())

	_, err := db.LoadSession()
	assert.ErrorIs(t, err, storage.ErrNoSession)
}

func TestApp_ReLoginAfterReconnect(t *testing.T) {
	srv, url := newChatServer(t)
	app := newApp(t, url, nil)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Login(ctx, "alice", "secret"))

	srv.dropAll()

	require.Eventually(t, func() bool {
		return srv.count(models.EventReLogin) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, app.Connection().IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestApp_OpenConversationLoadsHistory(t *testing.T) {
	srv, url := newChatServer(t)
	srv.history["bob"] = []models.ChatRecord{
		{ID: "2", Name: "alice", To: "bob", Mes: "fine", CreateAt: "2024-01-01 10:02:00"},
		{ID: "1", Name: "bob", To: "alice", Mes: "how are you", CreateAt: "2024-01-01 10:01:00"},
	}
	app := newApp(t, url, nil)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Login(ctx, "alice", "secret"))

	thread, err := app.OpenConversation(ctx, models.ChatTypePeople, "bob")
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, "1", thread[0].ID)
	assert.Equal(t, "2", thread[1].ID)
	assert.Equal(t, "bob", app.Store().Active())
}

func TestApp_LogoutClearsSession(t *testing.T) {
	_, url := newChatServer(t)
	db := openSessions(t, filepath.Join(t.TempDir(), "session.db"))
	defer db.Close()
	app := newApp(t, url, db)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Login(ctx, "alice", "secret"))
	require.NoError(t, app.Logout(ctx))

	assert.Empty(t, app.Self())
	assert.Equal(t, ws.StatusDisconnected, app.Connection().Status())
	_, err := db.LoadSession()
	assert.ErrorIs(t, err, storage.ErrNoSession)
}

func TestApp_LoginAfterLogout(t *testing.T) {
	srv, url := newChatServer(t)
	app := newApp(t, url, nil)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Login(ctx, "alice", "secret"))
	require.NoError(t, app.Logout(ctx))
	require.Equal(t, ws.StatusDisconnected, app.Connection().Status())

	loginCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, app.Login(loginCtx, "alice", "secret"))
	assert.Equal(t, "alice", app.Self())
	assert.True(t, app.Connection().IsConnected())
	assert.Equal(t, 2, srv.count(models.EventLogin))
	assert.Zero(t, srv.count(models.EventReLogin), "a fresh login needs no re-login")
}

func TestApp_RepeatOpenKeepsSession(t *testing.T) {
	srv, url := newChatServer(t)
	app := newApp(t, url, nil)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Login(ctx, "alice", "secret"))

	// Already open: subscribers hear about it again, the server does not.
	app.Connection().Connect()

	assert.Never(t, func() bool {
		return srv.count(models.EventReLogin) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, "alice", app.Self())
}

func TestApp_StartGivesUpWhenServerIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	app := newApp(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := app.Start(ctx)
	require.ErrorIs(t, err, ws.ErrNotConnected)
	assert.Equal(t, ws.StatusDisconnected, app.Connection().Status())
}
