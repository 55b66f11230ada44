// Package session holds the process-wide authenticated session.
//
// The Store is the only place the current token, claims and user live. Reads go
// through an atomic reference cell, so long-lived callbacks always see the value
// current at call time rather than one captured at registration.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ultra-bms/client/internal/security"
	"ultra-bms/client/internal/session/domain"
)

var (
	// ErrEmptyToken is returned by SetAuthenticated when no token is given.
	ErrEmptyToken = errors.New("session: empty token")
	// ErrStaleSession is returned by SetAuthenticatedIf when the session was cleared after
	// the caller read the generation.
	ErrStaleSession = errors.New("session: cleared since generation was read")
)

// Observer is notified after every state transition with the snapshot that
// transition published. Observers run synchronously on the writer's goroutine,
// outside the store's write lock, so they may call back into the Store.
type Observer func(domain.Session)

type subscription struct {
	id uuid.UUID
	fn Observer
}

// Store holds the current session. The zero value is not usable; call NewStore.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[domain.Session]
	gen     uint64 // bumped by every Clear; guarded by mu

	obsMu     sync.RWMutex
	observers []subscription

	now  func() time.Time
	skew time.Duration
	log  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to reject expired tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSkew sets the expiry skew buffer. Defaults to security.DefaultSkew.
func WithSkew(d time.Duration) Option {
	return func(s *Store) { s.skew = d }
}

// WithLogger sets the logger for state transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore returns an empty, unauthenticated store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:  time.Now,
		skew: security.DefaultSkew,
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.current.Store(&domain.Session{State: domain.StateUnauthenticated})
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() domain.Session {
	return *s.current.Load()
}

// Token returns the current bearer token, or "" when not authenticated.
func (s *Store) Token() string {
	cur := s.current.Load()
	if cur.State != domain.StateAuthenticated {
		return ""
	}
	return cur.Token
}

// SetAuthenticating marks a login or restoration in progress. It does nothing when
// a session is already authenticated, so a silent re-login never drops the token.
func (s *Store) SetAuthenticating() {
	s.mu.Lock()
	cur := s.current.Load()
	if cur.State != domain.StateUnauthenticated {
		s.mu.Unlock()
		return
	}
	next := &domain.Session{State: domain.StateAuthenticating}
	s.current.Store(next)
	s.mu.Unlock()

	s.log.Debug().Str("state", next.State.String()).Msg("session: transition")
	s.notify(*next)
}

// Generation identifies the current session lifetime. It changes whenever the session
// is cleared, so a writer that read it before a slow operation can tell whether a
// logout happened meanwhile.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// SetAuthenticated replaces token and claims in one step. Identity fields are kept
// when the new claims describe the same user. A token already expired (with skew)
// is rejected and the session is cleared.
func (s *Store) SetAuthenticated(token string, claims security.Claims) error {
	return s.set(token, claims, false, 0)
}

// SetAuthenticatedIf is SetAuthenticated guarded by a generation read earlier with
// Generation. When the session was cleared since, nothing is written and
// ErrStaleSession is returned.
func (s *Store) SetAuthenticatedIf(gen uint64, token string, claims security.Claims) error {
	return s.set(token, claims, true, gen)
}

func (s *Store) set(token string, claims security.Claims, guarded bool, gen uint64) error {
	if token == "" {
		return ErrEmptyToken
	}
	if claims.Subject == "" {
		return &security.DecodeError{Reason: "missing sub claim"}
	}

	s.mu.Lock()
	if guarded && s.gen != gen {
		s.mu.Unlock()
		return ErrStaleSession
	}
	if security.IsExpired(claims, s.now(), s.skew) {
		next := s.clearLocked()
		s.mu.Unlock()
		if next != nil {
			s.published(next)
		}
		return security.ErrExpiredToken
	}
	prev := s.current.Load()
	user := domain.UserFromClaims(claims)
	if prev.State == domain.StateAuthenticated && prev.Claims != nil && prev.Claims.SameIdentity(claims) {
		user = prev.User
	}
	c := claims
	next := &domain.Session{
		State:     domain.StateAuthenticated,
		User:      user,
		Token:     token,
		Claims:    &c,
		ExpiresAt: claims.ExpiresAt,
	}
	s.current.Store(next)
	s.mu.Unlock()

	s.log.Debug().
		Str("state", next.State.String()).
		Str("user_id", user.ID).
		Time("expires_at", next.ExpiresAt).
		Msg("session: transition")
	s.notify(*next)
	return nil
}

// Clear discards token, claims and user and reports whether anything was cleared.
// Clearing an unauthenticated store is a no-op and notifies nobody.
func (s *Store) Clear() bool {
	s.mu.Lock()
	next := s.clearLocked()
	s.mu.Unlock()
	if next == nil {
		return false
	}
	s.published(next)
	return true
}

// ClearIf is Clear guarded by a generation read earlier with Generation. It clears
// nothing when the session was cleared since, so a late failure cannot end a newer one.
func (s *Store) ClearIf(gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	next := s.clearLocked()
	s.mu.Unlock()
	if next == nil {
		return false
	}
	s.published(next)
	return true
}

// clearLocked stores the unauthenticated snapshot and returns it, or nil when the store
// was already unauthenticated.
func (s *Store) clearLocked() *domain.Session {
	if s.current.Load().State == domain.StateUnauthenticated {
		return nil
	}
	s.gen++
	next := &domain.Session{State: domain.StateUnauthenticated}
	s.current.Store(next)
	return next
}

func (s *Store) published(next *domain.Session) {
	s.log.Debug().Str("state", next.State.String()).Msg("session: transition")
	s.notify(*next)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	id := uuid.New()
	s.obsMu.Lock()
	s.observers = append(s.observers, subscription{id: id, fn: fn})
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, sub := range s.observers {
			if sub.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(snap domain.Session) {
	s.obsMu.RLock()
	subs := make([]subscription, len(s.observers))
	copy(subs, s.observers)
	s.obsMu.RUnlock()
	for _, sub := range subs {
		sub.fn(snap)
	}
}
