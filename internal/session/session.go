// Package session tracks the short-lived sessions issued after a valid
// QR scan.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned for unknown or expired sessions
var ErrNotFound = errors.New("session not found")

// Session is an authorised door session
type Session struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists sessions until they expire
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates sessions
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a session manager
func NewManager(store Store, ttl time.Duration, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// NewID returns a 32 character lowercase hex identifier
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create issues a new session for the given method (e.g. "qr")
func (m *Manager) Create(ctx context.Context, method string) (Session, error) {
	now := m.now().UTC()
	s := Session{
		ID:        NewID(),
		Method:    method,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.store.Put(ctx, s); err != nil {
		return Session{}, err
	}

	m.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"method":  method,
	}).Debug("Session created")
	return s, nil
}

// Validate returns the session if it exists and has not expired
func (m *Manager) Validate(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrNotFound
	}

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}

	if s.Expired(m.now()) {
		_ = m.store.Delete(ctx, id)
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Revoke removes a session
func (m *Manager) Revoke(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}
