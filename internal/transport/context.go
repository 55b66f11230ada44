package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID correlates a request and its replay in client and server logs.
const HeaderRequestID = "X-Request-ID"

type contextKey struct{ name string }

var publicKey = contextKey{"public"}

// WithPublic marks requests made with ctx as public: the bridge neither attaches the
// session token nor reacts to 401.
func WithPublic(ctx context.Context) context.Context {
	return context.WithValue(ctx, publicKey, true)
}

// IsPublic reports whether ctx was marked by WithPublic.
func IsPublic(ctx context.Context) bool {
	v, _ := ctx.Value(publicKey).(bool)
	return v
}

// DefaultPublicPaths are the endpoints that mint tokens and so never carry or refresh one.
var DefaultPublicPaths = []string{"/v1/auth/login", "/v1/auth/refresh"}

// PublicPaths returns a predicate matching requests whose path ends with one of paths
// or whose context is marked public.
func PublicPaths(paths ...string) func(*http.Request) bool {
	return func(req *http.Request) bool {
		if IsPublic(req.Context()) {
			return true
		}
		p := strings.TrimSuffix(req.URL.Path, "/")
		for _, pub := range paths {
			if strings.HasSuffix(p, pub) {
				return true
			}
		}
		return false
	}
}

func requestID(req *http.Request) string {
	if id := req.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

const bearerPrefix = "Bearer "

// BearerHeader formats token for the Authorization header.
func BearerHeader(token string) string {
	return bearerPrefix + token
}
