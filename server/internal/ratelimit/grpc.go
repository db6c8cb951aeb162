package ratelimit

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/ospulse/ospulse/server/internal/auth"
)

// UnaryServerInterceptor returns a gRPC interceptor that checks chain for
// every unary call, using the full method name as the operation.
//
// Rejected calls fail with codes.ResourceExhausted before the handler runs.
// Quota metadata is sent as response headers (retry-after, x-ratelimit-limit,
// x-ratelimit-remaining) when the call carries a server transport stream.
func UnaryServerInterceptor(l *Limiter, chain Chain) grpc.UnaryServerInterceptor {
	return unaryInterceptor(l, func() Chain { return chain })
}

// TableUnaryServerInterceptor is UnaryServerInterceptor with the chain looked
// up in t under route on every call.
func TableUnaryServerInterceptor(l *Limiter, t *Table, route string) grpc.UnaryServerInterceptor {
	return unaryInterceptor(l, func() Chain { return t.Chain(route) })
}

func unaryInterceptor(l *Limiter, chainFor func() Chain) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		chain := chainFor()
		d, err := chain.Admit(l, FromGRPC(ctx, info.FullMethod))
		if err != nil {
			var qe *QuotaExceededError
			if !errors.As(err, &qe) {
				return nil, status.Error(codes.Internal, err.Error())
			}
			_ = grpc.SetHeader(ctx, metadata.Pairs(
				strings.ToLower(HeaderRetryAfter), strconv.Itoa(int(qe.RetryAfter.Seconds())),
				strings.ToLower(HeaderLimit), strconv.Itoa(qe.Limit),
				strings.ToLower(HeaderRemaining), "0",
			))
			return nil, status.Error(codes.ResourceExhausted, qe.Error())
		}

		if len(chain) > 0 {
			_ = grpc.SetHeader(ctx, metadata.Pairs(
				strings.ToLower(HeaderLimit), strconv.Itoa(d.Limit),
				strings.ToLower(HeaderRemaining), strconv.Itoa(d.Remaining),
			))
		}
		return handler(ctx, req)
	}
}

// FromGRPC builds a Request from the peer address and identity carried by ctx.
func FromGRPC(ctx context.Context, method string) Request {
	r := Request{
		Identity:  auth.IdentityFromContext(ctx),
		Operation: method,
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		r.ClientAddr = addr
	}
	return r
}
