// Package authtest runs an in-process Ultra BMS auth backend for tests. It issues
// signed test tokens, keeps refresh tickets in an HttpOnly cookie and exposes knobs
// to make refresh fail, slow down or invalidate every access token issued so far.
package authtest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"ultra-bms/client/internal/security"
)

const (
	// TicketCookie is the name of the refresh ticket cookie.
	TicketCookie = "refresh_token"
	ticketPath   = "/v1/auth"

	// DefaultPassword is the password of every seeded account.
	DefaultPassword = "Passw0rd!"
	ManagerEmail    = "pm@ultrabms.test"
	AdminEmail      = "admin@ultrabms.test"
	TenantEmail     = "tenant@ultrabms.test"

	bearerPrefix = "bearer "
)

// Account is a user the fake backend can authenticate.
type Account struct {
	ID          string
	Email       string
	Name        string
	Role        security.Role
	Permissions []string

	passwordHash string
}

type deviceSession struct {
	ID           string    `json:"id"`
	Device       string    `json:"device"`
	IPAddress    string    `json:"ipAddress"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Current      bool      `json:"current"`

	userID  string
	revoked bool
}

// Server is the fake backend. The embedded httptest.Server is started by New.
type Server struct {
	*httptest.Server

	codec *security.TokenCodec
	now   func() time.Time
	ttl   time.Duration
	data  bool

	mu           sync.Mutex
	accounts     map[string]*Account       // by email
	sessions     map[string]*deviceSession // by id
	tickets      map[string]string         // ticket -> session id
	issued       map[string]string         // access token -> session id
	failRefresh  bool
	refreshDelay time.Duration
	refreshHits  int
	logoutHits   int
	apiHits      map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithTTL sets the access token lifetime. Defaults to 15 minutes.
func WithTTL(d time.Duration) Option {
	return func(s *Server) { s.ttl = d }
}

// WithDataEnvelope wraps token responses as {"data":{"accessToken":...}}.
func WithDataEnvelope() Option {
	return func(s *Server) { s.data = true }
}

// New starts a fake backend seeded with a property manager, a super admin and a tenant.
// The server is closed when the test ends.
func New(t interface{ Cleanup(func()) }, opts ...Option) *Server {
	codec, err := security.NewTestTokenCodec()
	if err != nil {
		panic("authtest: " + err.Error())
	}
	s := &Server{
		codec:    codec,
		now:      time.Now,
		ttl:      15 * time.Minute,
		accounts: map[string]*Account{},
		sessions: map[string]*deviceSession{},
		tickets:  map[string]string{},
		issued:   map[string]string{},
		apiHits:  map[string]int{},
	}
	for _, o := range opts {
		o(s)
	}
	s.AddAccount(Account{
		ID: "u-manager", Email: ManagerEmail, Name: "Priya Menon", Role: security.RolePropertyManager,
		Permissions: []string{"properties:read", "properties:write", "work-orders:*", "tenants:read"},
	}, DefaultPassword)
	s.AddAccount(Account{
		ID: "u-admin", Email: AdminEmail, Name: "Sam Admin", Role: security.RoleSuperAdmin,
	}, DefaultPassword)
	s.AddAccount(Account{
		ID: "u-tenant", Email: TenantEmail, Name: "Tom Tenant", Role: security.RoleTenant,
		Permissions: []string{"leases:read", "invoices:read"},
	}, DefaultPassword)

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.POST("/v1/auth/login", s.login)
	e.POST("/v1/auth/refresh", s.refresh)
	e.POST("/v1/auth/logout", s.logout)

	authed := e.Group("/v1", s.requireBearer)
	authed.POST("/auth/logout-all", s.logoutAll)
	authed.GET("/auth/sessions", s.listSessions)
	authed.DELETE("/auth/sessions/:id", s.revokeSession)
	authed.GET("/me", s.me)
	authed.GET("/properties", s.properties)
	authed.POST("/work-orders", s.createWorkOrder)
	return e
}

// AddAccount registers a user with password, replacing any account with the same email.
func (s *Server) AddAccount(a Account, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic("authtest: hash password: " + err.Error())
	}
	a.passwordHash = string(hash)
	s.mu.Lock()
	s.accounts[strings.ToLower(a.Email)] = &a
	s.mu.Unlock()
}

// FailRefresh makes every refresh call answer 401 while on is true.
func (s *Server) FailRefresh(on bool) {
	s.mu.Lock()
	s.failRefresh = on
	s.mu.Unlock()
}

// SetRefreshDelay holds every refresh response for d, so concurrent callers overlap.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// RevokeAccessTokens makes every access token issued so far unusable. Refresh tickets stay
// valid, which is what a server-side key rotation looks like to the client.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	s.issued = map[string]string{}
	s.mu.Unlock()
}

// RefreshHits is the number of refresh calls received.
func (s *Server) RefreshHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshHits
}

// LogoutHits is the number of logout calls received.
func (s *Server) LogoutHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutHits
}

// APIHits is the number of protected requests received for path, accepted or not.
func (s *Server) APIHits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiHits[path]
}

// ActiveSessions is the number of sessions not yet revoked.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ds := range s.sessions {
		if !ds.revoked {
			n++
		}
	}
	return n
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, message("Malformed request body"))
	}
	s.mu.Lock()
	acct := s.accounts[strings.ToLower(strings.TrimSpace(req.Email))]
	s.mu.Unlock()
	if acct == nil || bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(req.Password)) != nil {
		return c.JSON(http.StatusUnauthorized, message("Invalid email or password"))
	}

	now := s.now()
	ds := &deviceSession{
		ID:           uuid.NewString(),
		Device:       c.Request().UserAgent(),
		IPAddress:    c.RealIP(),
		CreatedAt:    now,
		LastActiveAt: now,
		userID:       acct.ID,
	}
	token, err := s.issue(acct, ds.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, message(err.Error()))
	}
	ticket := uuid.NewString()
	s.mu.Lock()
	s.sessions[ds.ID] = ds
	s.tickets[ticket] = ds.ID
	s.mu.Unlock()

	cookie := &http.Cookie{
		Name:     TicketCookie,
		Value:    ticket,
		Path:     ticketPath,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if req.RememberMe {
		cookie.MaxAge = int((30 * 24 * time.Hour).Seconds())
	}
	c.SetCookie(cookie)
	return c.JSON(http.StatusOK, s.tokenBody(token))
}

func (s *Server) refresh(c echo.Context) error {
	s.mu.Lock()
	s.refreshHits++
	delay, fail := s.refreshDelay, s.failRefresh
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}
	if fail {
		return c.JSON(http.StatusUnauthorized, message("Refresh token expired"))
	}
	cookie, err := c.Cookie(TicketCookie)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, message("Missing refresh token"))
	}

	s.mu.Lock()
	sid, ok := s.tickets[cookie.Value]
	ds := s.sessions[sid]
	if !ok || ds == nil || ds.revoked {
		s.mu.Unlock()
		return c.JSON(http.StatusUnauthorized, message("Invalid refresh token"))
	}
	delete(s.tickets, cookie.Value)
	next := uuid.NewString()
	s.tickets[next] = sid
	ds.LastActiveAt = s.now()
	acct := s.accountByID(ds.userID)
	s.mu.Unlock()

	token, err := s.issue(acct, sid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, message(err.Error()))
	}
	cookie.Value = next
	cookie.Path = ticketPath
	cookie.HttpOnly = true
	c.SetCookie(cookie)
	return c.JSON(http.StatusOK, s.tokenBody(token))
}

func (s *Server) logout(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutHits++
	if sid, ok := s.issued[extractBearer(c.Request())]; ok {
		s.revokeLocked(sid)
	} else if cookie, err := c.Cookie(TicketCookie); err == nil {
		if sid, ok := s.tickets[cookie.Value]; ok {
			s.revokeLocked(sid)
		}
	}
	c.SetCookie(&http.Cookie{Name: TicketCookie, Path: ticketPath, MaxAge: -1, HttpOnly: true})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) logoutAll(c echo.Context) error {
	userID := c.Get("user_id").(string)
	s.mu.Lock()
	for id, ds := range s.sessions {
		if ds.userID == userID {
			s.revokeLocked(id)
		}
	}
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listSessions(c echo.Context) error {
	userID := c.Get("user_id").(string)
	current := c.Get("session_id").(string)
	s.mu.Lock()
	out := make([]deviceSession, 0, len(s.sessions))
	for _, ds := range s.sessions {
		if ds.userID != userID || ds.revoked {
			continue
		}
		cp := *ds
		cp.Current = ds.ID == current
		out = append(out, cp)
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"data": out})
}

func (s *Server) revokeSession(c echo.Context) error {
	userID := c.Get("user_id").(string)
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.sessions[id]
	if ds == nil || ds.userID != userID || ds.revoked {
		return c.JSON(http.StatusNotFound, message("Session not found"))
	}
	s.revokeLocked(id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) me(c echo.Context) error {
	claims := c.Get("claims").(security.Claims)
	return c.JSON(http.StatusOK, map[string]any{
		"id":          claims.Subject,
		"email":       claims.Email,
		"name":        claims.Name,
		"role":        claims.Role,
		"permissions": claims.Permissions(),
	})
}

func (s *Server) properties(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"data": []map[string]string{
		{"id": "p-1", "name": "Marina Heights"},
		{"id": "p-2", "name": "Al Barsha Tower B"},
	}})
}

func (s *Server) createWorkOrder(c echo.Context) error {
	var body map[string]any
	if err := c.Bind(&body); err != nil || body["title"] == nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{"error": map[string]string{"message": "title is required"}})
	}
	body["id"] = "wo-" + uuid.NewString()[:8]
	return c.JSON(http.StatusCreated, body)
}

// requireBearer rejects requests without a live access token and stores the caller's
// identity in the echo context.
func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.apiHits[c.Request().URL.Path]++
		s.mu.Unlock()

		claims, sid, err := s.validate(extractBearer(c.Request()))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, message("Access token is invalid or expired"))
		}
		c.Set("claims", claims)
		c.Set("user_id", claims.Subject)
		c.Set("session_id", sid)
		return next(c)
	}
}

// validate checks token against the signature, the clock and the issued set.
func (s *Server) validate(token string) (security.Claims, string, error) {
	if token == "" {
		return security.Claims{}, "", security.ErrInvalidToken
	}
	claims, err := s.codec.Decode(token)
	if err != nil {
		return security.Claims{}, "", err
	}
	if security.IsExpired(claims, s.now(), 0) {
		return security.Claims{}, "", security.ErrExpiredToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.issued[token]
	if !ok {
		return security.Claims{}, "", security.ErrInvalidToken
	}
	if ds := s.sessions[sid]; ds == nil || ds.revoked {
		return security.Claims{}, "", security.ErrInvalidToken
	}
	return claims, sid, nil
}

func (s *Server) issue(acct *Account, sessionID string) (string, error) {
	now := s.now()
	claims := security.NewClaims(acct.ID, acct.Email, acct.Name, acct.Role, acct.Permissions, now, now.Add(s.ttl))
	token, err := security.EncodeTestToken(claims)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.issued[token] = sessionID
	s.mu.Unlock()
	return token, nil
}

// IssueToken mints an access token for email outside the login flow, bound to a new
// session without a refresh ticket. Useful for seeding a client directly.
func (s *Server) IssueToken(email string) (string, error) {
	s.mu.Lock()
	acct := s.accounts[strings.ToLower(email)]
	if acct == nil {
		s.mu.Unlock()
		return "", security.ErrInvalidToken
	}
	now := s.now()
	ds := &deviceSession{ID: uuid.NewString(), Device: "seeded", CreatedAt: now, LastActiveAt: now, userID: acct.ID}
	s.sessions[ds.ID] = ds
	s.mu.Unlock()
	return s.issue(acct, ds.ID)
}

func (s *Server) revokeLocked(sessionID string) {
	if ds := s.sessions[sessionID]; ds != nil {
		ds.revoked = true
	}
	for t, sid := range s.tickets {
		if sid == sessionID {
			delete(s.tickets, t)
		}
	}
	for t, sid := range s.issued {
		if sid == sessionID {
			delete(s.issued, t)
		}
	}
}

func (s *Server) accountByID(id string) *Account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *Server) tokenBody(token string) any {
	body := map[string]string{"accessToken": token}
	if s.data {
		return map[string]any{"data": body}
	}
	return body
}

func message(m string) map[string]string { return map[string]string{"message": m} }

// extractBearer returns the token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	return parseBearer(r.Header.Get("Authorization"))
}

func parseBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

type ctxKey struct{ name string }

var claimsKey = ctxKey{"claims"}

// ClaimsFromContext returns the claims the gRPC interceptors validated for the call.
func ClaimsFromContext(ctx context.Context) (security.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(security.Claims)
	return c, ok
}
