// Package authapi calls the Ultra BMS auth endpoints. Client covers the unauthenticated
// calls (login, refresh, logout) and Sessions the ones that need the bearer token.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"ultra-bms/client/internal/transport"
)

const (
	PathLogin     = "/v1/auth/login"
	PathRefresh   = "/v1/auth/refresh"
	PathLogout    = "/v1/auth/logout"
	PathLogoutAll = "/v1/auth/logout-all"
	PathSessions  = "/v1/auth/sessions"
)

var (
	// ErrNoToken is returned when a 2xx login or refresh response has no access token.
	ErrNoToken = errors.New("authapi: response carried no access token")
	// ErrEmptySessionID is returned by RevokeSession without an id.
	ErrEmptySessionID = errors.New("authapi: empty session id")
)

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// tokenResponse accepts both {"accessToken":...} and {"data":{"accessToken":...}}.
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	Data        *struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

func (r tokenResponse) token() (string, error) {
	if r.AccessToken != "" {
		return r.AccessToken, nil
	}
	if r.Data != nil && r.Data.AccessToken != "" {
		return r.Data.AccessToken, nil
	}
	return "", ErrNoToken
}

// Client performs the calls that run without a session token. Its transport must share
// the cookie jar holding the refresh ticket.
type Client struct {
	api *transport.Client
}

// NewClient returns a Client over api.
func NewClient(api *transport.Client) *Client {
	return &Client{api: api}
}

// Login exchanges credentials for an access token. The server sets the refresh ticket cookie.
func (c *Client) Login(ctx context.Context, req LoginRequest) (string, error) {
	return c.tokenCall(ctx, PathLogin, req)
}

// Refresh mints a new access token from the refresh ticket in the cookie jar.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.tokenCall(ctx, PathRefresh, nil)
}

func (c *Client) tokenCall(ctx context.Context, path string, in any) (string, error) {
	var out tokenResponse
	if err := c.api.DoJSON(transport.WithPublic(ctx), http.MethodPost, path, in, &out); err != nil {
		return "", err
	}
	return out.token()
}

// Logout tells the server to revoke the session. token, when set, identifies the session
// explicitly since the bridge does not attach one to public calls.
func (c *Client) Logout(ctx context.Context, token string) error {
	req, err := c.api.NewRequest(transport.WithPublic(ctx), http.MethodPost, PathLogout, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", transport.BearerHeader(token))
	}
	return c.api.Do(req, nil)
}

// DeviceSession is one signed-in device as reported by GET /v1/auth/sessions.
type DeviceSession struct {
	ID           string    `json:"id" yaml:"id"`
	Device       string    `json:"device" yaml:"device"`
	IPAddress    string    `json:"ipAddress" yaml:"ipAddress"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt" yaml:"lastActiveAt"`
	Current      bool      `json:"current" yaml:"current"`
}

// Sessions performs the authorized session management calls. Its transport is expected
// to be the bridged client.
type Sessions struct {
	api *transport.Client
}

// NewSessions returns a Sessions over api.
func NewSessions(api *transport.Client) *Sessions {
	return &Sessions{api: api}
}

// LogoutAll revokes every session of the current user, this one included.
func (s *Sessions) LogoutAll(ctx context.Context) error {
	return s.api.DoJSON(ctx, http.MethodPost, PathLogoutAll, nil, nil)
}

// ListSessions returns the user's active sessions. Both a bare array and a
// {"data":[...]} envelope are accepted.
func (s *Sessions) ListSessions(ctx context.Context) ([]DeviceSession, error) {
	var raw json.RawMessage
	if err := s.api.Get(ctx, PathSessions, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var list []DeviceSession
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, &transport.RequestError{Kind: transport.KindDecode, Err: err}
		}
		return list, nil
	}
	var env struct {
		Data []DeviceSession `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.RequestError{Kind: transport.KindDecode, Err: err}
	}
	return env.Data, nil
}

// RevokeSession signs out the device session id.
func (s *Sessions) RevokeSession(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	return s.api.DoJSON(ctx, http.MethodDelete, fmt.Sprintf("%s/%s", PathSessions, url.PathEscape(id)), nil, nil)
}
