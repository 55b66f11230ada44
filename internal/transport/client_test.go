package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "::bad"} {
		_, err := NewClient(u, nil)
		assert.Error(t, err, u)
	}
	c, err := NewClient("https://api.ultrabms.test/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.ultrabms.test/v1/auth/login", c.URL("/v1/auth/login"))
	assert.Equal(t, "https://api.ultrabms.test/v1/invoices", c.URL("v1/invoices"))
}

func TestClient_DoJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"Tower A"}`, string(body))
		_, _ = io.WriteString(w, `{"id":"p-1","name":"Tower A"}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	var out struct{ ID, Name string }
	require.NoError(t, c.DoJSON(context.Background(), http.MethodPost, "/v1/properties", map[string]string{"name": "Tower A"}, &out))
	assert.Equal(t, "p-1", out.ID)
}

func TestClient_EmptyBodyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	var out map[string]any
	assert.NoError(t, c.DoJSON(context.Background(), http.MethodDelete, "/v1/auth/sessions/s-1", nil, &out))
	assert.NoError(t, c.DoJSON(context.Background(), http.MethodDelete, "/v1/auth/sessions/s-1", nil, nil))
}

func TestClient_StatusErrors(t *testing.T) {
	cases := []struct {
		status  int
		body    string
		kind    ErrorKind
		message string
	}{
		{401, `{"message":"Invalid credentials"}`, KindUnauthorized, "Invalid credentials"},
		{403, `{"error":"forbidden for role TENANT"}`, KindForbidden, "forbidden for role TENANT"},
		{404, `{"error":{"message":"invoice not found"}}`, KindNotFound, "invoice not found"},
		{422, `{"data":{"message":"IBAN is invalid"}}`, KindValidation, "IBAN is invalid"},
		{409, `not json`, KindConflict, "Conflict"},
		{429, ``, KindRateLimited, "Too Many Requests"},
		{503, `{"message":""}`, KindServer, "Service Unavailable"},
		{418, `{}`, KindUnknown, "I'm a teapot"},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL, srv.Client())
			require.NoError(t, err)
			err = c.Get(context.Background(), "/v1/anything", nil)

			var re *RequestError
			require.True(t, errors.As(err, &re), "got %T", err)
			assert.Equal(t, tc.kind, re.Kind)
			assert.Equal(t, tc.status, re.Status)
			assert.Equal(t, tc.message, re.Message)
			assert.NotEmpty(t, re.RequestID)
			assert.True(t, IsKind(err, tc.kind))
		})
	}
}

func TestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	var out map[string]any
	err = c.Get(context.Background(), "/v1/x", &out)
	assert.True(t, IsKind(err, KindDecode))
}

func TestClient_NetworkAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	c, err := NewClient(srv.URL, &http.Client{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	err = c.Get(context.Background(), "/v1/slow", nil)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Get(ctx, "/v1/slow", nil)
	assert.True(t, IsKind(err, KindCanceled), "got %v", err)
	srv.Close()

	c, err = NewClient(srv.URL, &http.Client{})
	require.NoError(t, err)
	err = c.Get(context.Background(), "/v1/down", nil)
	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindNetwork, re.Kind)
	assert.Zero(t, re.Status)
}

func TestRequestError_Message(t *testing.T) {
	e := &RequestError{Kind: KindNotFound, Status: 404, Message: "invoice not found"}
	assert.Equal(t, "request failed: not_found (404): invoice not found", e.Error())

	inner := errors.New("dial tcp: refused")
	e = &RequestError{Kind: KindNetwork, Err: inner}
	assert.Equal(t, "request failed: network: dial tcp: refused", e.Error())
	assert.ErrorIs(t, e, inner)
}

func TestNewCookieJar(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/login" {
			http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "ticket", Path: "/v1/auth", HttpOnly: true})
			return
		}
		c, err := r.Cookie("refresh_token")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, c.Value)
	}))
	defer srv.Close()

	client := NewHTTPClient(nil, jar, time.Second)
	resp, err := client.Post(srv.URL+"/v1/auth/login", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = client.Post(srv.URL+"/v1/auth/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ticket", string(body))
}
