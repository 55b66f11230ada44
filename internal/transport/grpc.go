package transport

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"ultra-bms/client/internal/session/domain"
)

// withBearer returns ctx carrying the authorization metadata for token.
func withBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", BearerHeader(token))
}

// grpcBridge holds the state shared by the unary and stream interceptors.
type grpcBridge struct {
	tokens        TokenSource
	renewer       Renewer
	publicMethods map[string]bool
	log           zerolog.Logger
}

func (g *grpcBridge) public(ctx context.Context, method string) bool {
	return g.publicMethods[method] || IsPublic(ctx)
}

// recoverToken decides the token for the single retry after Unauthenticated. ok is false when
// there is nothing to retry with.
func (g *grpcBridge) recoverToken(ctx context.Context, method, sent string) (string, bool) {
	current := g.tokens.Token()
	switch {
	case sent == "" && current == "":
		return "", false
	case current != "" && current != sent:
		return current, true
	}
	if err := g.renewer.Renew(ctx, sent); err != nil {
		g.log.Debug().Err(err).Str("method", method).Msg("transport: refresh after Unauthenticated failed")
		return "", false
	}
	current = g.tokens.Token()
	return current, current != ""
}

// UnaryClientInterceptor attaches the current token and applies the refresh-and-retry-once
// contract to codes.Unauthenticated. publicMethods are full method names left untouched.
func UnaryClientInterceptor(tokens TokenSource, renewer Renewer, publicMethods map[string]bool, log zerolog.Logger) grpc.UnaryClientInterceptor {
	g := &grpcBridge{tokens: tokens, renewer: renewer, publicMethods: publicMethods, log: log}
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if g.public(ctx, method) {
			return invoker(ctx, method, req, reply, cc, opts...)
		}
		sent := g.tokens.Token()
		err := invoker(withBearer(ctx, sent), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}
		current, ok := g.recoverToken(ctx, method, sent)
		if !ok {
			return err
		}
		err = invoker(withBearer(ctx, current), method, req, reply, cc, opts...)
		if status.Code(err) == codes.Unauthenticated {
			g.log.Warn().Str("method", method).Msg("transport: Unauthenticated after refresh, ending session")
			g.renewer.Terminate(ctx, domain.ReasonUnauthorized)
		}
		return err
	}
}

// StreamClientInterceptor attaches the current token to new streams. A stream rejected at
// establishment is retried once like a unary call. A stream that fails with Unauthenticated
// after establishment cannot be replayed; the refresh still runs so the next call succeeds.
func StreamClientInterceptor(tokens TokenSource, renewer Renewer, publicMethods map[string]bool, log zerolog.Logger) grpc.StreamClientInterceptor {
	g := &grpcBridge{tokens: tokens, renewer: renewer, publicMethods: publicMethods, log: log}
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if g.public(ctx, method) {
			return streamer(ctx, desc, cc, method, opts...)
		}
		sent := g.tokens.Token()
		cs, err := streamer(withBearer(ctx, sent), desc, cc, method, opts...)
		if status.Code(err) == codes.Unauthenticated {
			current, ok := g.recoverToken(ctx, method, sent)
			if !ok {
				return nil, err
			}
			sent = current
			cs, err = streamer(withBearer(ctx, current), desc, cc, method, opts...)
			if status.Code(err) == codes.Unauthenticated {
				g.renewer.Terminate(ctx, domain.ReasonUnauthorized)
			}
		}
		if err != nil {
			return nil, err
		}
		return &authStream{ClientStream: cs, g: g, ctx: ctx, method: method, sent: sent}, nil
	}
}

type authStream struct {
	grpc.ClientStream
	g      *grpcBridge
	ctx    context.Context
	method string
	sent   string
	seen   bool
}

func (s *authStream) RecvMsg(m interface{}) error {
	err := s.ClientStream.RecvMsg(m)
	if status.Code(err) == codes.Unauthenticated && !s.seen {
		s.seen = true
		if _, ok := s.g.recoverToken(s.ctx, s.method, s.sent); !ok {
			s.g.log.Debug().Str("method", s.method).Msg("transport: stream rejected, session not recovered")
		}
	}
	return err
}

// DialOptions returns the client options that wire the bridge and otelgrpc tracing into a connection.
func DialOptions(tokens TokenSource, renewer Renewer, publicMethods map[string]bool, log zerolog.Logger) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor(tokens, renewer, publicMethods, log)),
		grpc.WithChainStreamInterceptor(StreamClientInterceptor(tokens, renewer, publicMethods, log)),
	}
}
