package auth

import (
	"sync"
	"time"
)

// Session holds the access token of the current user. Tokens are opaque to
// the client; when a token is a JWT its exp claim is used to detect expiry.
type Session struct {
	mu     sync.RWMutex
	token  string
	expiry time.Time
	now    func() time.Time
}

// NewSession creates a session holding token, which may be empty.
func NewSession(token string) *Session {
	s := &Session{now: time.Now}
	s.SetToken(token)
	return s
}

// Token returns the current access token. It implements transport.TokenSource.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the access token.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.expiry = time.Time{}
	if exp, err := parseExpiry(token); err == nil {
		s.expiry = exp
	}
}

// Clear forgets the access token.
func (s *Session) Clear() {
	s.SetToken("")
}

// Headers returns the Authorization header, or nil without a token.
func (s *Session) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return nil
	}
	return map[string]string{
		"Authorization": "Bearer " + s.token,
	}
}

// Expiry returns the token expiry, or the zero time when unknown.
func (s *Session) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// Expired reports whether the token carries an exp claim in the past.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.expiry.IsZero() && s.now().After(s.expiry)
}
