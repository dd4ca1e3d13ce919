// Package credential manages the short-lived upstream access token: a
// thread-safe store holding the current token/expiry pair and a refresher
// that renews it, lazily or on a background interval.
package credential

import (
	"sync"
	"time"
)

// Credential pairs an access token with its expiry instant. Values are
// replaced wholesale, never mutated, so readers can never observe a token
// without its matching expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c Credential) Expired(now time.Time) bool {
	return c.Token == "" || !now.Before(c.ExpiresAt)
}

// ExpiringWithin reports whether the credential is already expired or has
// less than margin of lifetime left.
func (c Credential) ExpiringWithin(now time.Time, margin time.Duration) bool {
	return c.Token == "" || !now.Before(c.ExpiresAt.Add(-margin))
}

// Store holds the current credential. Only the Refresher writes to it.
type Store struct {
	mu   sync.RWMutex
	cred Credential
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.cred.Token != ""
}

func (s *Store) Set(c Credential) {
	s.mu.Lock()
	s.cred = c
	s.mu.Unlock()
}
