package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderflow/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return limitError(err)
		}
	}
	return s.ServerStream.RecvMsg(m)
}

// limitError reports a request that gave up waiting for an ingress token.
func limitError(err error) error {
	if st := status.FromContextError(err); st.Code() != codes.Unknown {
		return status.Error(codes.ResourceExhausted, fmt.Sprintf("rate limited: %v", err))
	}
	return err
}

func unaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logf func(string, ...any)) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		tracked := shouldTrackMethod(info.FullMethod)
		span := &observability.CallSpan{}
		if metrics != nil && tracked {
			span = metrics.Start(info.FullMethod)
		}
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logf("grpc unary %s panic: %v", info.FullMethod, r)
				err = status.Error(codes.Internal, "internal error")
			}
			span.End(err)
			if err != nil && tracked {
				logf("grpc unary %s %s after %v: %v", info.FullMethod, status.Code(err), time.Since(start), err)
			}
		}()

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, limitError(err)
			}
		}
		return handler(ctx, req)
	}
}

func streamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logf func(string, ...any)) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracked := shouldTrackMethod(info.FullMethod)
		span := &observability.CallSpan{}
		if metrics != nil && tracked {
			span = metrics.Start(info.FullMethod)
		}
		start := time.Now()
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && tracked {
			logf("grpc stream %s error after %v: %v", info.FullMethod, time.Since(start), err)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
