package storage

import (
	"errors"
	"fmt"
	"time"

	"besedka/internal/models"

	"go.etcd.io/bbolt"
)

var (
	ErrNoSession = errors.New("no saved session")

	bucketSessions = []byte("sessions")
	sessionKey     = []byte("current")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveSession replaces the stored session.
func (s *BboltStorage) SaveSession(session models.Session) error {
	return s.put(&DBSession{
		User:        session.User,
		ReLoginCode: session.ReLoginCode,
		SavedAt:     session.SavedAt.Unix(),
	})
}

// LoadSession returns ErrNoSession when nothing was saved.
func (s *BboltStorage) LoadSession() (models.Session, error) {
	var dbSession DBSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get(dbSession.Key())
		if data == nil {
			return ErrNoSession
		}
		return dbSession.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Session{}, err
	}
	return models.Session{
		User:        dbSession.User,
		ReLoginCode: dbSession.ReLoginCode,
		SavedAt:     time.Unix(dbSession.SavedAt, 0),
	}, nil
}

func (s *BboltStorage) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete(sessionKey)
	})
}

func (s *BboltStorage) put(item Storeable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := item.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal %T: %w", item, err)
		}
		return tx.Bucket(bucketSessions).Put(item.Key(), data)
	})
}
