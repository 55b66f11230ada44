// Package auth is the accessor page code uses for the session: who is signed in, whether
// a sign-in is in progress, and the login, logout and refresh actions.
//
// Session-fatal failures (a refresh that cannot renew the session) are absorbed here and
// only show up as IsAuthenticated turning false. Login failures and ordinary request
// errors are returned.
package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ultra-bms/client/internal/authapi"
	"ultra-bms/client/internal/refresh"
	"ultra-bms/client/internal/security"
	"ultra-bms/client/internal/session"
	"ultra-bms/client/internal/session/domain"
	"ultra-bms/client/internal/telemetry"
	teldomain "ultra-bms/client/internal/telemetry/domain"
)

// Sentinel errors; callers match them with errors.Is.
var (
	ErrEmailRequired    = errors.New("email is required")
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrPasswordRequired = errors.New("password is required")
	ErrNotAuthenticated = errors.New("not authenticated")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// API is the unauthenticated part of the auth service.
type API interface {
	Login(ctx context.Context, req authapi.LoginRequest) (string, error)
	Logout(ctx context.Context, token string) error
}

// SessionAPI manages the user's sessions on the server.
type SessionAPI interface {
	LogoutAll(ctx context.Context) error
	ListSessions(ctx context.Context) ([]authapi.DeviceSession, error)
	RevokeSession(ctx context.Context, id string) error
}

// Refresher is the refresh protocol.
type Refresher interface {
	Refresh(ctx context.Context, trigger refresh.Trigger) (security.Claims, error)
}

// Decoder turns a token into claims.
type Decoder interface {
	Decode(token string) (security.Claims, error)
}

// Permissions answers permission questions for a user.
type Permissions interface {
	Allowed(ctx context.Context, user *domain.User, permission string) (bool, error)
}

type decodeFunc func(string) (security.Claims, error)

func (f decodeFunc) Decode(token string) (security.Claims, error) { return f(token) }

// Service is the session accessor.
type Service struct {
	store     *session.Store
	api       API
	sessions  SessionAPI
	refresher Refresher
	codec     Decoder
	access    Permissions
	emitter   telemetry.EventEmitter
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDecoder sets the token decoder. Defaults to security.Decode.
func WithDecoder(d Decoder) Option { return func(s *Service) { s.codec = d } }

// WithPermissions sets the permission evaluator. Without one, HasPermission matches the
// token's permission list verbatim.
func WithPermissions(p Permissions) Option { return func(s *Service) { s.access = p } }

// WithEmitter sets where login and logout events go.
func WithEmitter(e telemetry.EventEmitter) Option { return func(s *Service) { s.emitter = e } }

// WithClock sets the clock for event timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService wires the accessor.
func NewService(store *session.Store, api API, sessions SessionAPI, refresher Refresher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		api:       api,
		sessions:  sessions,
		refresher: refresher,
		codec:     decodeFunc(security.Decode),
		emitter:   telemetry.Nop{},
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// User returns the signed-in user, or nil.
func (s *Service) User() *domain.User {
	snap := s.store.Get()
	if !snap.Authenticated() {
		return nil
	}
	return snap.User
}

// IsAuthenticated reports whether a session is held.
func (s *Service) IsAuthenticated() bool { return s.store.Get().Authenticated() }

// IsLoading reports whether a login or restoration is in progress.
func (s *Service) IsLoading() bool { return s.store.Get().State == domain.StateAuthenticating }

// Login validates the input, signs in and returns the user.
func (s *Service) Login(ctx context.Context, email, password string, rememberMe bool) (*domain.User, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}

	wasAuthenticated := s.store.Get().Authenticated()
	s.store.SetAuthenticating()
	abort := func(err error) (*domain.User, error) {
		if !wasAuthenticated {
			s.store.Clear()
		}
		return nil, err
	}

	token, err := s.api.Login(ctx, authapi.LoginRequest{Email: email, Password: password, RememberMe: rememberMe})
	if err != nil {
		s.log.Debug().Err(err).Msg("auth: login rejected")
		return abort(err)
	}
	claims, err := s.codec.Decode(token)
	if err != nil {
		return abort(err)
	}
	if err := s.store.SetAuthenticated(token, claims); err != nil {
		return abort(err)
	}

	user := s.store.Get().User
	s.log.Info().Str("user_id", user.ID).Str("role", string(user.Role)).Bool("remember_me", rememberMe).Msg("auth: signed in")
	s.emit(ctx, teldomain.EventLogin, user, "")
	return user, nil
}

// Logout clears the local session and tells the server, best effort. Calling it without
// a session does nothing.
func (s *Service) Logout(ctx context.Context) error {
	snap := s.store.Get()
	if !s.store.Clear() {
		return nil
	}
	if snap.Token != "" {
		if err := s.api.Logout(ctx, snap.Token); err != nil {
			s.log.Warn().Err(err).Msg("auth: server logout failed; local session cleared")
		}
	}
	s.emit(ctx, teldomain.EventLogout, snap.User, string(domain.ReasonUserLogout))
	return nil
}

// RefreshToken renews the session now. A failed renewal ends the session and is not
// returned; only cancellation of ctx is.
func (s *Service) RefreshToken(ctx context.Context) error {
	if !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if _, err := s.refresher.Refresh(ctx, refresh.TriggerUserExtend); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.log.Debug().Err(err).Msg("auth: refresh ended the session")
	}
	return nil
}

// Restore silently re-establishes a session from the refresh ticket, as on page load.
// It reports whether a session is held afterwards.
func (s *Service) Restore(ctx context.Context) bool {
	if s.IsAuthenticated() {
		return true
	}
	s.store.SetAuthenticating()
	if _, err := s.refresher.Refresh(ctx, refresh.TriggerRestore); err != nil {
		s.store.Clear()
		s.log.Debug().Err(err).Msg("auth: no session to restore")
		return false
	}
	return s.IsAuthenticated()
}

// LogoutAll revokes every session of the user on the server, then clears the local one.
func (s *Service) LogoutAll(ctx context.Context) error {
	snap := s.store.Get()
	if !snap.Authenticated() {
		return ErrNotAuthenticated
	}
	if err := s.sessions.LogoutAll(ctx); err != nil {
		return err
	}
	s.store.Clear()
	s.emit(ctx, teldomain.EventLogoutAll, snap.User, string(domain.ReasonLogoutAll))
	return nil
}

// Sessions lists the user's signed-in devices.
func (s *Service) Sessions(ctx context.Context) ([]authapi.DeviceSession, error) {
	if !s.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	return s.sessions.ListSessions(ctx)
}

// RevokeSession signs out one device.
func (s *Service) RevokeSession(ctx context.Context, id string) error {
	if !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	return s.sessions.RevokeSession(ctx, id)
}

// HasPermission reports whether the signed-in user holds perm. Evaluation errors deny.
func (s *Service) HasPermission(ctx context.Context, perm string) bool {
	user := s.User()
	if user == nil {
		return false
	}
	if s.access == nil {
		return user.HasPermission(perm)
	}
	ok, err := s.access.Allowed(ctx, user, perm)
	if err != nil {
		s.log.Warn().Err(err).Str("permission", perm).Msg("auth: permission check failed")
		return false
	}
	return ok
}

func (s *Service) emit(ctx context.Context, t teldomain.EventType, user *domain.User, reason string) {
	var userID, role string
	if user != nil {
		userID, role = user.ID, string(user.Role)
	}
	ev := teldomain.NewEvent(t, userID, s.now()).WithReason(reason)
	ev.Role = role
	telemetry.EmitAsync(s.emitter, s.log.WithContext(ctx), ev)
}

func validateEmail(email string) error {
	if email == "" {
		return ErrEmailRequired
	}
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}
