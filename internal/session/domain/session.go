package domain

import (
	"slices"
	"time"

	"ultra-bms/client/internal/security"
)

// State is the authentication state of the process-wide session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// User is the identity derived from the current token's claims.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        security.Role
	Permissions []string
}

// UserFromClaims derives the user identity from c. DisplayName falls back to the email.
func UserFromClaims(c security.Claims) *User {
	name := c.Name
	if name == "" {
		name = c.Email
	}
	return &User{
		ID:          c.Subject,
		Email:       c.Email,
		DisplayName: name,
		Role:        c.Role,
		Permissions: c.Permissions(),
	}
}

// HasPermission reports whether p is granted verbatim.
func (u *User) HasPermission(p string) bool {
	return u != nil && slices.Contains(u.Permissions, p)
}

// Session is an immutable snapshot of the authenticated identity.
// Authenticated implies Token != "" and User.ID != "".
type Session struct {
	State     State
	User      *User
	Token     string
	Claims    *security.Claims
	ExpiresAt time.Time
}

// Authenticated reports whether the snapshot carries a usable token.
func (s Session) Authenticated() bool {
	return s.State == StateAuthenticated
}

// LogoutReason records why a session ended.
type LogoutReason string

const (
	ReasonUserLogout     LogoutReason = "user_logout"
	ReasonLogoutAll      LogoutReason = "logout_all"
	ReasonRefreshFailed  LogoutReason = "refresh_failed"
	ReasonUnauthorized   LogoutReason = "unauthorized"
	ReasonTokenExpired   LogoutReason = "token_expired"
	ReasonWarningTimeout LogoutReason = "warning_timeout"
)
