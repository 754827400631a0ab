// Package auth supplies the bearer credential of the logged-in user.
package auth

import (
	"carrot/internal/models"
	"carrot/internal/storage"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredential = errors.New("no stored credential")
	ErrTokenExpired = errors.New("token expired")
)

// SessionStore persists logins per server.
type SessionStore interface {
	UpsertSession(server string, session models.Session) error
	GetSession(server string) (storage.Session, error)
	DeleteSession(server string) error
}

// Claims are the parts of the bearer token the client looks at. The
// signature is not checked; only the server can do that.
type Claims struct {
	Subject   string
	UserID    models.UserID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry at or before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseClaims reads the registered claims of a JWT without verifying it.
func ParseClaims(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}

	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if id, err := strconv.ParseInt(rc.Subject, 10, 64); err == nil {
		c.UserID = models.UserID(id)
	}
	return c, nil
}

// Provider hands out the stored token for one server. An expired token is
// reported as ErrTokenExpired so no connection is attempted with it.
type Provider struct {
	store  SessionStore
	server string
	log    *slog.Logger
	now    func() time.Time
}

func NewProvider(store SessionStore, server string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		store:  store,
		server: server,
		log:    logger.With("component", "auth"),
		now:    time.Now,
	}
}

func (p *Provider) Token() (string, error) {
	s, err := p.Session()
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// Session returns the stored login if its token is still usable.
func (p *Provider) Session() (models.Session, error) {
	stored, err := p.store.GetSession(p.server)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Session{}, ErrNoCredential
	}
	if err != nil {
		return models.Session{}, err
	}
	if stored.Session.Token == "" {
		return models.Session{}, ErrNoCredential
	}

	claims, err := ParseClaims(stored.Session.Token)
	if err != nil {
		// Opaque tokens are passed through as-is.
		p.log.Debug("token is not a JWT", "error", err)
		return stored.Session, nil
	}
	if claims.Expired(p.now()) {
		return models.Session{}, fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Format(time.RFC3339))
	}
	return stored.Session, nil
}

// Save stores a fresh login.
func (p *Provider) Save(session models.Session) error {
	if session.Token == "" {
		return errors.New("login returned no token")
	}
	if err := p.store.UpsertSession(p.server, session); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	p.log.Info("session stored", "user", session.User.Username)
	return nil
}

// Clear forgets the stored login.
func (p *Provider) Clear() {
	if err := p.store.DeleteSession(p.server); err != nil {
		p.log.Error("failed to clear session", "error", err)
		return
	}
	p.log.Info("session cleared")
}
