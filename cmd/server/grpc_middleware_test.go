package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
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

func TestRateLimitUnaryInterceptor_CallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := rateLimitUnaryInterceptor(limiter, metrics)

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if got := metrics.Snapshot().Operations["grpc/grpc.health.v1.Health/Check"].Count; got != 1 {
		t.Fatalf("expected one tracked call, got %d", got)
	}
}

func TestRateLimitUnaryInterceptor_LimiterErrorSkipsHandler(t *testing.T) {
	limiter := &stubLimiter{err: context.DeadlineExceeded}
	interceptor := rateLimitUnaryInterceptor(limiter, nil)

	called := false
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected limiter error, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run when the limiter refuses")
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

func TestRateLimitStreamInterceptor_WrapsStream(t *testing.T) {
	limiter := reliability.NewRateLimiter(time.Hour, 5, nil)
	interceptor := rateLimitStreamInterceptor(limiter, nil)

	var got grpc.ServerStream
	err := interceptor(nil, &stubServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, func(srv any, stream grpc.ServerStream) error {
		got = stream
		return stream.RecvMsg(&struct{}{})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got.(*rateLimitedServerStream); !ok {
		t.Fatalf("expected a rate limited stream, got %T", got)
	}
}

func TestShouldTrackMethod(t *testing.T) {
	if shouldTrackMethod("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo") {
		t.Fatalf("reflection must not be tracked")
	}
	if shouldTrackMethod("/grpc.health.v1.Health/Watch") {
		t.Fatalf("health watch must not be tracked")
	}
	if !shouldTrackMethod("/grpc.health.v1.Health/Check") {
		t.Fatalf("health check should be tracked")
	}
}
