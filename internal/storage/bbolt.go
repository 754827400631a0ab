package storage

import (
	"errors"
	"fmt"
	"time"

	"carrot/internal/models"

	"go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("not found")

var (
	bucketSessions = []byte("sessions")
)

// Session is a stored login for one server.
type Session struct {
	Server  string
	Session models.Session
	SavedAt time.Time
}

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertSession stores the login for server, replacing any previous one.
func (s *BboltStorage) UpsertSession(server string, session models.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		dbSession := &DBSession{
			Server:    server,
			Token:     session.Token,
			TokenType: session.TokenType,
			UserID:    int64(session.User.ID),
			Username:  session.User.Username,
			FullName:  session.User.FullName,
			Email:     session.User.Email,
			AvatarURL: session.User.AvatarURL,
			SavedAt:   s.now().Unix(),
		}

		data, err := dbSession.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSession.Key(), data)
	})
}

// GetSession returns the login stored for server, or ErrNotFound.
func (s *BboltStorage) GetSession(server string) (Session, error) {
	var result Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(server))
		if data == nil {
			return ErrNotFound
		}
		var dbSession DBSession
		if err := dbSession.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		result = toSession(dbSession)
		return nil
	})
	return result, err
}

// DeleteSession forgets the login for server. Deleting a missing session is
// not an error.
func (s *BboltStorage) DeleteSession(server string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(server))
	})
}

// ListSessions returns every stored login ordered by server.
func (s *BboltStorage) ListSessions() ([]Session, error) {
	var sessions []Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, v []byte) error {
			var dbSession DBSession
			if err := dbSession.UnmarshalBinary(v); err != nil {
				return err
			}
			sessions = append(sessions, toSession(dbSession))
			return nil
		})
	})
	return sessions, err
}

func toSession(d DBSession) Session {
	return Session{
		Server: d.Server,
		Session: models.Session{
			Token:     d.Token,
			TokenType: d.TokenType,
			User: models.User{
				ID:        models.UserID(d.UserID),
				Username:  d.Username,
				FullName:  d.FullName,
				Email:     d.Email,
				AvatarURL: d.AvatarURL,
			},
		},
		SavedAt: time.Unix(d.SavedAt, 0),
	}
}
