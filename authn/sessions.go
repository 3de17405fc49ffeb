package authn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-provider/storage"
)

// DefaultSessionTTL bounds a login session.
const DefaultSessionTTL = 12 * time.Hour

// Session is a server-side login session.
type Session struct {
	ID     string
	UserID string
	Login  storage.LoginEvent

	// UpstreamSubject and UpstreamSID identify the session at the upstream
	// IdP, for back-channel logout.
	UpstreamSubject string
	UpstreamSID     string

	ExpiresAt time.Time
}

// Sessions is an in-process session registry. It also maps upstream
// identities to local sessions for the back-channel logout receiver.
type Sessions struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.RWMutex
	byID map[string]*Session
}

// NewSessions creates a registry. A zero ttl means DefaultSessionTTL.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{ttl: ttl, now: time.Now, byID: make(map[string]*Session)}
}

// Create registers a new session.
func (s *Sessions) Create(userID string, login storage.LoginEvent, upstreamSubject, upstreamSID string) *Session {
	sess := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		Login:           login,
		UpstreamSubject: upstreamSubject,
		UpstreamSID:     upstreamSID,
		ExpiresAt:       s.now().Add(s.ttl),
	}
	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.mu.Unlock()
	cp := *sess
	return &cp
}

// Get returns a live session.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok || !s.now().Before(sess.ExpiresAt) {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// Delete removes a session.
func (s *Sessions) Delete(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// LocalSessions returns the sessions opened from upstream session sid.
func (s *Sessions) LocalSessions(_ context.Context, sid string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, sess := range s.byID {
		if sid != "" && sess.UpstreamSID == sid {
			out = append(out, id)
		}
	}
	return out, nil
}

// LocalUserID returns the local user of the upstream subject, or "" when
// no session of theirs is known.
func (s *Sessions) LocalUserID(_ context.Context, subject string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.byID {
		if subject != "" && sess.UpstreamSubject == subject {
			return sess.UserID, nil
		}
	}
	return "", nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.byID {
		if !now.Before(sess.ExpiresAt) {
			delete(s.byID, id)
			n++
		}
	}
	return n
}
