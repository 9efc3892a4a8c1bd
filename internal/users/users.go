package users

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"besedka/internal/broker"
	"besedka/internal/content"
	"besedka/internal/models"
)

type Requester interface {
	Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Roster splits the server's flat user list into people and rooms.
type Roster struct {
	Users []models.User
	Rooms []models.User
}

type checkRequest struct {
	User string `json:"user"`
}

type checkResponse struct {
	Status bool `json:"status"`
}

type Service struct {
	broker Requester
	logger *slog.Logger
}

func NewService(b Requester, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{broker: b, logger: logger}
}

func (s *Service) GetUserList(ctx context.Context) (Roster, error) {
	list, err := broker.Decode[[]models.User](s.broker.Request(ctx, models.EventGetUserList, nil, 0))
	if err != nil {
		return Roster{}, err
	}
	return Partition(list, s.logger), nil
}

func (s *Service) CheckUserExist(ctx context.Context, username string) (bool, error) {
	if err := content.ValidateUsername(username); err != nil {
		return false, err
	}
	resp, err := broker.Decode[checkResponse](s.broker.Request(ctx, models.EventCheckUserExist, checkRequest{User: username}, 0))
	if err != nil {
		return false, err
	}
	return resp.Status, nil
}

// Partition keeps list order within each group. Entries of an unknown type
// are skipped.
func Partition(list []models.User, logger *slog.Logger) Roster {
	var r Roster
	for _, u := range list {
		switch u.Type {
		case models.UserTypePeople:
			r.Users = append(r.Users, u)
		case models.UserTypeRoom:
			r.Rooms = append(r.Rooms, u)
		default:
			if logger != nil {
				logger.Warn("skipping roster entry of unknown type", "name", u.Name, "type", int(u.Type))
			}
		}
	}
	return r
}
