package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"besedka/internal/broker"
	"besedka/internal/content"
	"besedka/internal/models"
)

var (
	ErrMissingCredentials = errors.New("username and password are required")
)

type LoginRequest struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// ReLoginRequest authenticates with the code issued by a previous login.
type ReLoginRequest struct {
	User string `json:"user"`
	Code string `json:"code"`
}

type LoginResponse struct {
	ReLoginCode string `json:"RE_LOGIN_CODE"`
}

type Requester interface {
	Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error)
}

type Disconnecter interface {
	Disconnect()
}

type Service struct {
	broker Requester
	conn   Disconnecter
	logger *slog.Logger
}

func NewService(b Requester, conn Disconnecter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{broker: b, conn: conn, logger: logger}
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	if req.User == "" || req.Pass == "" {
		return LoginResponse{}, ErrMissingCredentials
	}
	resp, err := broker.Decode[LoginResponse](s.broker.Request(ctx, models.EventLogin, req, 0))
	if err != nil {
		return LoginResponse{}, err
	}
	s.logger.Info("logged in", "user", req.User)
	return resp, nil
}

func (s *Service) ReLogin(ctx context.Context, req ReLoginRequest) (LoginResponse, error) {
	if req.User == "" || req.Code == "" {
		return LoginResponse{}, ErrMissingCredentials
	}
	resp, err := broker.Decode[LoginResponse](s.broker.Request(ctx, models.EventReLogin, req, 0))
	if err != nil {
		return LoginResponse{}, err
	}
	// Some servers keep the old code and send no new one.
	if resp.ReLoginCode == "" {
		resp.ReLoginCode = req.Code
	}
	s.logger.Info("re-logged in", "user", req.User)
	return resp, nil
}

func (s *Service) Register(ctx context.Context, req LoginRequest) error {
	if err := content.ValidateUsername(req.User); err != nil {
		return err
	}
	if req.Pass == "" {
		return ErrMissingCredentials
	}
	_, err := s.broker.Request(ctx, models.EventRegister, req, 0)
	return err
}

// Logout waits for the server to acknowledge, then closes the socket so
// that no reconnection follows.
func (s *Service) Logout(ctx context.Context) error {
	if _, err := s.broker.Request(ctx, models.EventLogout, nil, 0); err != nil {
		return err
	}
	s.conn.Disconnect()
	return nil
}
