package authtest

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor validates the Bearer token in gRPC metadata against the tokens this
// server issued. publicMethods are full method names that need no token.
func (s *Server) UnaryInterceptor(publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := s.authorize(ctx, info.FullMethod, publicMethods)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor is UnaryInterceptor for streams.
func (s *Server) StreamInterceptor(publicMethods map[string]bool) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, err := s.authorize(ss.Context(), info.FullMethod, publicMethods); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (s *Server) authorize(ctx context.Context, method string, publicMethods map[string]bool) (context.Context, error) {
	s.mu.Lock()
	s.apiHits[method]++
	s.mu.Unlock()

	if publicMethods[method] {
		return ctx, nil
	}
	claims, _, err := s.validate(extractBearerMD(ctx))
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	return context.WithValue(ctx, claimsKey, claims), nil
}

// extractBearerMD returns the Bearer token from incoming metadata, or "".
func extractBearerMD(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return parseBearer(vals[0])
}
