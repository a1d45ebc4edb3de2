package oidc

import (
	"sync"
	"time"
)

// DefaultExchangeTTL bounds the lifetime of a pending login. A callback
// arriving later than this fails with ErrInvalidState.
const DefaultExchangeTTL = 10 * time.Minute

// Exchange is the per-login protocol state created when an unauthenticated
// request is sent to the provider and consumed exactly once on callback.
type Exchange struct {
	State          string
	Nonce          string
	Verifier       string
	RedirectTarget string
	CreatedAt      time.Time
}

// ExchangeStore persists pending exchanges keyed by state.
//
// Pop must be an atomic check-and-delete: of two concurrent callbacks
// presenting the same state, exactly one may succeed.
type ExchangeStore interface {
	Save(ex *Exchange) error
	Pop(state string) (*Exchange, error)
}

type memoryExchangeStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	exchanges map[string]*Exchange
}

func NewMemoryExchangeStore(ttl time.Duration) ExchangeStore {
	if ttl == 0 {
		ttl = DefaultExchangeTTL
	}
	return &memoryExchangeStore{
		ttl:       ttl,
		exchanges: make(map[string]*Exchange),
	}
}

func (s *memoryExchangeStore) Save(ex *Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// opportunistic cleanup of expired entries
	for state, e := range s.exchanges {
		if time.Since(e.CreatedAt) > s.ttl {
			delete(s.exchanges, state)
		}
	}

	s.exchanges[ex.State] = ex
	return nil
}

func (s *memoryExchangeStore) Pop(state string) (*Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.exchanges[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(s.exchanges, state)

	if time.Since(ex.CreatedAt) > s.ttl {
		return nil, ErrInvalidState
	}
	return ex, nil
}
