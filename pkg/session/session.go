// Package session maps opaque session identifiers to authenticated
// identities and owns their expiry.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/openvpn-manager/vpnmanager/pkg/token"
)

const DefaultTTL = 8 * time.Hour

var ErrSessionExpired = errors.New("session expired or not found")

// Session binds an authenticated identity to a browser. The identity
// subject is immutable once set; only expiry may be extended.
type Session struct {
	ID          string
	Subject     string
	DisplayName string
	Roles       map[string]bool
	IDToken     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	csrfSecret  []byte
}

func (s *Session) HasRole(role string) bool {
	return s.Roles[role]
}

func (s *Session) IsAdmin() bool {
	return s.HasRole("admin")
}

// Store is the session registry shared by all request handlers. It is
// injected into the server, never a package-level singleton.
type Store interface {
	Create(subject, displayName string, roles []string, idToken string) (*Session, error)
	Get(id string) (*Session, error)
	Delete(id string) error
}

type memoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]*Session
}

func NewMemoryStore(ttl time.Duration) Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &memoryStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

func (s *memoryStore) Create(subject, displayName string, roles []string, idToken string) (*Session, error) {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	now := time.Now()
	sess := &Session{
		ID:          token.GenerateSessionID(),
		Subject:     subject,
		DisplayName: displayName,
		Roles:       roleSet,
		IDToken:     idToken,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
		csrfSecret:  []byte(token.GenerateRandomString(32)),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess, nil
}

// Get returns the session or ErrSessionExpired. Expired sessions are
// removed on access; the caller restarts the login flow.
func (s *memoryStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionExpired
	}
	if time.Now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, ErrSessionExpired
	}
	return sess, nil
}

func (s *memoryStore) Delete(id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
