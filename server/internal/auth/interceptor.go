package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor that resolves the
// caller identity from the named metadata header.
//
// Behaviour:
//   - mode "none", or no keys configured: every call passes anonymously.
//   - A key that matches attaches the client name to the context.
//   - A wrong key, or a missing key in "apikey" mode, returns codes.Unauthenticated.
//
// header should be lowercase; gRPC normalises metadata keys to lowercase.
func APIKeyInterceptor(mode, header string, keys Keys) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		var presented string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(header); len(vals) > 0 {
				presented = vals[0]
			}
		}

		name, d := resolve(mode, keys, presented)
		switch d {
		case rejected:
			if presented == "" {
				return nil, status.Error(codes.Unauthenticated, "missing api key")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		case identified:
			ctx = WithIdentity(ctx, name)
		}
		return handler(ctx, req)
	}
}
