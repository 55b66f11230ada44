// Package transport attaches the session token to outbound HTTP and gRPC calls and
// turns a 401 into one shared refresh followed by a single replay.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"ultra-bms/client/internal/session/domain"
)

// TokenSource returns the current bearer token, or "" without a session.
type TokenSource interface {
	Token() string
}

// Renewer runs the shared refresh and the forced logout.
type Renewer interface {
	// Renew blocks until the in-flight (or a new) refresh settles. It returns at once when
	// the session token is no longer stale, i.e. another caller already refreshed.
	Renew(ctx context.Context, stale string) error
	// Terminate ends the session. Safe to call when already unauthenticated.
	Terminate(ctx context.Context, reason domain.LogoutReason)
}

// Bridge is an http.RoundTripper that reads the token at send time and retries once on 401.
type Bridge struct {
	base    http.RoundTripper
	tokens  TokenSource
	renewer Renewer
	public  func(*http.Request) bool
	log     zerolog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithPublicMatcher replaces the predicate selecting requests the bridge leaves alone.
func WithPublicMatcher(fn func(*http.Request) bool) BridgeOption {
	return func(b *Bridge) { b.public = fn }
}

// WithBridgeLogger sets the logger for replays and forced logouts.
func WithBridgeLogger(l zerolog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// NewBridge wraps base (http.DefaultTransport when nil).
func NewBridge(base http.RoundTripper, tokens TokenSource, renewer Renewer, opts ...BridgeOption) *Bridge {
	if base == nil {
		base = http.DefaultTransport
	}
	b := &Bridge{
		base:    base,
		tokens:  tokens,
		renewer: renewer,
		public:  PublicPaths(DefaultPublicPaths...),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RoundTrip implements http.RoundTripper.
//
// A 401 is handled at most once per request: if the store already holds a different token
// (another request refreshed meanwhile) the request is replayed with it, otherwise the shared
// refresh runs first. A 401 on the replay terminates the session. When refresh fails the
// original 401 is returned; the protocol has already ended the session.
func (b *Bridge) RoundTrip(req *http.Request) (*http.Response, error) {
	id := requestID(req)
	if b.public(req) {
		out := req.Clone(req.Context())
		out.Header.Set(HeaderRequestID, id)
		return b.base.RoundTrip(out)
	}

	first, getBody, err := rewindable(req)
	if err != nil {
		return nil, err
	}

	sent := b.tokens.Token()
	resp, err := b.send(req, id, sent, first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	ctx := req.Context()
	log := b.log.With().Str("request_id", id).Str("path", req.URL.Path).Logger()
	current := b.tokens.Token()
	switch {
	case sent == "" && current == "":
		// No session to recover.
		return resp, nil
	case current != "" && current != sent:
		log.Debug().Msg("transport: token changed since send, replaying")
	default:
		if err := b.renewer.Renew(ctx, sent); err != nil {
			log.Debug().Err(err).Msg("transport: refresh after 401 failed")
			return resp, nil
		}
		current = b.tokens.Token()
		if current == "" {
			return resp, nil
		}
		log.Debug().Msg("transport: refreshed, replaying")
	}
	drain(resp)

	var body io.ReadCloser
	if getBody != nil {
		if body, err = getBody(); err != nil {
			return nil, err
		}
	}
	resp, err = b.send(req, id, current, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		log.Warn().Msg("transport: 401 after refresh, ending session")
		b.renewer.Terminate(ctx, domain.ReasonUnauthorized)
	}
	return resp, nil
}

func (b *Bridge) send(req *http.Request, id, token string, body io.ReadCloser) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Body = body
	out.Header.Set(HeaderRequestID, id)
	if token != "" {
		out.Header.Set("Authorization", BearerHeader(token))
	} else {
		out.Header.Del("Authorization")
	}
	return b.base.RoundTrip(out)
}

// rewindable returns the body for the first send and a way to produce it again.
// Requests without GetBody are buffered in memory.
func rewindable(req *http.Request) (first io.ReadCloser, getBody func() (io.ReadCloser, error), err error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Body, nil, nil
	}
	if req.GetBody != nil {
		return req.Body, req.GetBody, nil
	}
	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, nil, err
	}
	getBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	first, _ = getBody()
	return first, getBody, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
