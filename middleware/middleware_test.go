package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tasksocket/command"
)

func newRequest() *Request {
	return &Request{
		ConnID:   "c1",
		Command:  command.MustNew("deploy", command.A("env", "prod")),
		Received: time.Now(),
	}
}

func okHandler(ctx context.Context, req *Request) error {
	return nil
}

func slowHandler(ctx context.Context, req *Request) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(okHandler)

	if err := handler(context.Background(), newRequest()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	entries := logs.FilterMessage("command handled").All()
	if len(entries) != 1 {
		t.Fatalf("expect 1 log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["command"]; got != "deploy" {
		t.Fatalf("expect command field 'deploy', got %v", got)
	}
}

func TestLoggingError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	boom := errors.New("boom")
	handler := LoggingMiddleware(zap.New(core))(func(context.Context, *Request) error { return boom })

	if err := handler(context.Background(), newRequest()); !errors.Is(err, boom) {
		t.Fatalf("expect boom, got %v", err)
	}
	if logs.FilterMessage("command failed").Len() != 1 {
		t.Fatal("expect a warning for the failed command")
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(okHandler)
	if err := handler(context.Background(), newRequest()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)
	if err := handler(context.Background(), newRequest()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect timeout error, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	// 1 per second, burst 2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(okHandler)

	for i := 0; i < 2; i++ {
		if err := handler(context.Background(), newRequest()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}
	if err := handler(context.Background(), newRequest()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestRetryRetryable(t *testing.T) {
	var calls atomic.Int32
	flaky := func(context.Context, *Request) error {
		if calls.Add(1) < 3 {
			return Retryable(errors.New("busy"))
		}
		return nil
	}
	handler := RetryMiddleware(5, time.Millisecond)(flaky)

	if err := handler(context.Background(), newRequest()); err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(2, time.Millisecond)(func(context.Context, *Request) error {
		calls.Add(1)
		return ErrTimeout
	})

	if err := handler(context.Background(), newRequest()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect timeout error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 1 call + 2 retries, got %d", calls.Load())
	}
}

func TestRetrySkipsPermanent(t *testing.T) {
	var calls atomic.Int32
	bad := errors.New("bad")
	handler := RetryMiddleware(5, time.Millisecond)(func(context.Context, *Request) error {
		calls.Add(1)
		return bad
	})

	if err := handler(context.Background(), newRequest()); !errors.Is(err, bad) {
		t.Fatalf("expect bad, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expect a single call, got %d", calls.Load())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				order = append(order, name+".before")
				err := next(ctx, req)
				order = append(order, name+".after")
				return err
			}
		}
	}
	handler := Chain(mark("A"), mark("B"), LoggingMiddleware(nil), TimeoutMiddleware(500*time.Millisecond))(okHandler)

	if err := handler(context.Background(), newRequest()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("expect %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
