package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"besedka/internal/auth"
	"besedka/internal/broker"
	"besedka/internal/chat"
	"besedka/internal/messaging"
	"besedka/internal/models"
	"besedka/internal/storage"
	"besedka/internal/users"
	"besedka/internal/ws"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
)

// SessionStore keeps the re-login credential between runs.
type SessionStore interface {
	SaveSession(session models.Session) error
	LoadSession() (models.Session, error)
	ClearSession() error
}

type Options struct {
	Connection     ws.Config
	Dialer         ws.Dialer
	RequestTimeout time.Duration
	SendRate       float64
	SendBurst      int
	// Sessions is optional; without it nothing survives a restart.
	Sessions SessionStore
	OnChange func(chat.Change)
	Logger   *slog.Logger
}

// App owns the connection of one chat session and everything layered on
// top of it.
type App struct {
	conn      *ws.Connection
	broker    *broker.Broker
	auth      *auth.Service
	messaging *messaging.Service
	users     *users.Service
	store     *chat.Store
	handler   *chat.Handler
	sessions  SessionStore
	logger    *slog.Logger

	mu       sync.Mutex
	session  models.Session
	openSub  ws.Subscription
	opened   bool
	relogins sync.WaitGroup
}

func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn := ws.NewConnection(opts.Connection, opts.Dialer, logger.With("component", "ws"))
	b := broker.New(conn, opts.RequestTimeout, logger.With("component", "broker"))
	store := chat.New(chat.Config{OnChange: opts.OnChange})

	a := &App{
		conn:      conn,
		broker:    b,
		auth:      auth.NewService(b, conn, logger),
		messaging: messaging.NewService(b, opts.SendRate, opts.SendBurst),
		users:     users.NewService(b, logger),
		store:     store,
		handler:   chat.NewHandler(store, logger.With("component", "chat")),
		sessions:  opts.Sessions,
		logger:    logger,
	}
	a.handler.Attach(conn)
	a.openSub = conn.On(ws.EventOpen, a.onOpen)
	return a
}

func (a *App) Store() *chat.Store {
	return a.store
}

func (a *App) Connection() *ws.Connection {
	return a.conn
}

// Start connects and, when a saved session exists, logs back in with it.
// A session the server rejects is discarded.
func (a *App) Start(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	if a.sessions == nil {
		return nil
	}
	session, err := a.sessions.LoadSession()
	if errors.Is(err, storage.ErrNoSession) {
		return nil
	}
	if err != nil {
		a.logger.Warn("failed to load session", "error", err)
		return nil
	}

	if err := a.relogin(ctx, session); err != nil {
		a.logger.Warn("saved session rejected", "user", session.User, "error", err)
		if err := a.sessions.ClearSession(); err != nil {
			a.logger.Error("failed to clear session", "error", err)
		}
		return nil
	}
	return a.RefreshRoster(ctx)
}

// connect waits for the socket to open, giving up once reconnection is
// exhausted.
func (a *App) connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exhausted atomic.Bool
	sub := a.conn.On(ws.EventReconnectionFailed, func(ws.Event) {
		exhausted.Store(true)
		cancel()
	})
	defer a.conn.Off(sub)

	a.conn.Connect()
	if err := a.conn.WaitConnected(ctx); err != nil {
		if exhausted.Load() {
			return fmt.Errorf("failed to connect: %w", ws.ErrNotConnected)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// ensureConnected reopens a socket closed by Logout or by exhausted
// reconnection. A socket that is opening or reconnecting is left alone.
func (a *App) ensureConnected(ctx context.Context) error {
	if a.conn.Status() != ws.StatusDisconnected {
		return nil
	}
	return a.connect(ctx)
}

// onOpen restores the login after a reconnect. The first open is left to
// Start or Login.
func (a *App) onOpen(ev ws.Event) {
	if open, ok := ev.(ws.OpenEvent); ok && open.Repeat {
		return
	}

	a.mu.Lock()
	first := !a.opened
	a.opened = true
	session := a.session
	a.mu.Unlock()

	if first || session.ReLoginCode == "" {
		return
	}

	// The read loop only starts once open handlers return.
	a.relogins.Add(1)
	go func() {
		defer a.relogins.Done()
		ctx, cancel := context.WithTimeout(context.Background(), broker.DefaultTimeout)
		defer cancel()
		if err := a.relogin(ctx, session); err != nil {
			a.logger.Warn("re-login after reconnect failed", "user", session.User, "error", err)
		}
	}()
}

func (a *App) relogin(ctx context.Context, session models.Session) error {
	resp, err := a.auth.ReLogin(ctx, auth.ReLoginRequest{User: session.User, Code: session.ReLoginCode})
	if err != nil {
		return err
	}
	a.setSession(models.Session{User: session.User, ReLoginCode: resp.ReLoginCode, SavedAt: time.Now()})
	return nil
}

func (a *App) Login(ctx context.Context, user, pass string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	resp, err := a.auth.Login(ctx, auth.LoginRequest{User: user, Pass: pass})
	if err != nil {
		return err
	}
	a.setSession(models.Session{User: user, ReLoginCode: resp.ReLoginCode, SavedAt: time.Now()})
	return a.RefreshRoster(ctx)
}

func (a *App) Register(ctx context.Context, user, pass string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.auth.Register(ctx, auth.LoginRequest{User: user, Pass: pass})
}

// Logout ends the session on the server, closes the socket and forgets
// the saved credential.
func (a *App) Logout(ctx context.Context) error {
	if err := a.auth.Logout(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.session = models.Session{}
	a.opened = false
	a.mu.Unlock()
	a.store.SetSelf("")

	if a.sessions != nil {
		if err := a.sessions.ClearSession(); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
	}
	return nil
}

func (a *App) setSession(session models.Session) {
	a.mu.Lock()
	a.session = session
	a.opened = true
	a.mu.Unlock()
	a.store.SetSelf(session.User)

	if a.sessions == nil {
		return
	}
	if err := a.sessions.SaveSession(session); err != nil {
		a.logger.Error("failed to save session", "error", err)
	}
}

func (a *App) Self() string {
	return a.store.Self()
}

// SendMessage shows the message immediately and sends it. When sending
// fails the message stays in place marked as failed.
func (a *App) SendMessage(ctx context.Context, chatType models.ChatType, to, text string) (models.Message, error) {
	if a.Self() == "" {
		return models.Message{}, ErrNotLoggedIn
	}

	msg := a.store.AddOptimistic(chatType, to, text)
	err := a.messaging.SendChat(ctx, messaging.ChatRequest{Type: chatType, To: to, Mes: text})
	if err != nil {
		if markErr := a.store.MarkFailed(msg.ID); markErr != nil {
			a.logger.Warn("failed to mark message failed", "id", msg.ID, "error", markErr)
		}
		msg.Status = models.MessageStatusFailed
		return msg, err
	}
	return msg, nil
}

// OpenConversation makes name the active conversation and loads its first
// page of history.
func (a *App) OpenConversation(ctx context.Context, chatType models.ChatType, name string) ([]models.Message, error) {
	a.store.SetActive(name)

	var records []models.ChatRecord
	switch chatType {
	case models.ChatTypeRoom:
		room, err := a.messaging.GetRoomMessages(ctx, messaging.PageRequest{Name: name, Page: 1})
		if err != nil {
			return nil, err
		}
		records = room.ChatData
	default:
		list, err := a.messaging.GetPeopleMessages(ctx, messaging.PageRequest{Name: name, Page: 1})
		if err != nil {
			return nil, err
		}
		records = list
	}

	a.store.LoadHistory(a.handler.ToMessages(records))
	return a.store.Thread(name), nil
}

func (a *App) RefreshRoster(ctx context.Context) error {
	roster, err := a.users.GetUserList(ctx)
	if err != nil {
		return err
	}
	a.store.SetRoster(append(roster.Users, roster.Rooms...))
	return nil
}

func (a *App) Users() []models.User {
	return a.store.Users()
}

func (a *App) CheckUser(ctx context.Context, name string) (bool, error) {
	return a.users.CheckUserExist(ctx, name)
}

func (a *App) CreateRoom(ctx context.Context, name string) error {
	room, err := a.messaging.CreateRoom(ctx, name)
	if err != nil {
		return err
	}
	a.store.UpsertRoom(roomName(room, name))
	return nil
}

func (a *App) JoinRoom(ctx context.Context, name string) error {
	room, err := a.messaging.JoinRoom(ctx, name)
	if err != nil {
		return err
	}
	a.store.UpsertRoom(roomName(room, name))
	return nil
}

func (a *App) LeaveRoom(ctx context.Context, name string) error {
	if err := a.messaging.LeaveRoom(ctx, name); err != nil {
		return err
	}
	a.store.RemoveRoom(name)
	return nil
}

func roomName(room messaging.Room, fallback string) string {
	if room.Name != "" {
		return room.Name
	}
	return fallback
}

// Close detaches from the connection and closes it without reconnecting.
func (a *App) Close() {
	a.handler.Detach()
	a.conn.Off(a.openSub)
	a.conn.Disconnect()
	a.relogins.Wait()
}
