package main

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"orderflow/internal/observability"
	"orderflow/internal/reliability"
)

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}
func (s *stubServerStream) SendMsg(m any) error { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SendHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SetTrailer(md metadata.MD) {}

func TestUnaryInterceptor_CallsLimiterAndRecordsMetrics(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := unaryInterceptor(limiter, metrics, t.Logf)

	info := &grpc.UnaryServerInfo{FullMethod: "/orderflow.v1.FulfillmentService/RunOrder"}
	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if snap := metrics.Snapshot(); snap.Methods[info.FullMethod].Count != 1 {
		t.Fatalf("expected one tracked call, got %+v", snap.Methods)
	}
}

func TestUnaryInterceptor_LimiterTimeoutIsResourceExhausted(t *testing.T) {
	limiter := &stubLimiter{err: context.DeadlineExceeded}
	interceptor := unaryInterceptor(limiter, nil, t.Logf)

	called := false
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run when the limiter refuses")
	}
}

func TestUnaryInterceptor_RecoversPanics(t *testing.T) {
	interceptor := unaryInterceptor(nil, observability.NewMetrics(), t.Logf)
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, func(ctx context.Context, req any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestStreamInterceptor_WrapsStream(t *testing.T) {
	limiter := &stubLimiter{}
	interceptor := streamInterceptor(limiter, nil, t.Logf)
	stream := &stubServerStream{ctx: context.Background()}

	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/x/Stream"}, func(srv any, ss grpc.ServerStream) error {
		return ss.RecvMsg(&struct{}{})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 || stream.recvCalls != 1 {
		t.Fatalf("expected limited recv, got limiter=%d recv=%d", limiter.calls, stream.recvCalls)
	}
}

func TestReliabilityLimiterSatisfiesInterceptor(t *testing.T) {
	var waited time.Duration
	limiter := reliability.NewRateLimiter(50*time.Millisecond, 1, func(d time.Duration) { waited += d })
	interceptor := unaryInterceptor(limiter, nil, t.Logf)
	for i := 0; i < 2; i++ {
		if _, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, func(ctx context.Context, req any) (any, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if waited <= 0 {
		t.Fatalf("second call should have waited for a token")
	}
}

func TestShouldTrackMethod(t *testing.T) {
	cases := map[string]bool{
		"": false,
		"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo": false,
		"/grpc.health.v1.Health/Check":                              false,
		"/orderflow.v1.FulfillmentService/RunOrder":                 true,
	}
	for method, want := range cases {
		if got := shouldTrackMethod(method); got != want {
			t.Fatalf("%q: expected %v, got %v", method, want, got)
		}
	}
}
