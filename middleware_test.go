package wavesock

import (
	"context"
	"testing"
)

type recordingResponse struct {
	sent bool
}

func (r *recordingResponse) responded() bool { return r.sent }

func TestMiddlewareRunsInRegistrationOrder(t *testing.T) {
	chain := newMiddleware[string, *recordingResponse]()

	var order []int
	chain.Use(func(ctx context.Context, req string, res *recordingResponse, next nextFunc) error {
		order = append(order, 1)
		return next()
	})
	chain.Use(func(ctx context.Context, req string, res *recordingResponse, next nextFunc) error {
		order = append(order, 2)
		return next()
	})

	fallbackRan := false
	err := chain.Handle(context.Background(), "req", &recordingResponse{}, func(string, *recordingResponse) error {
		fallbackRan = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected handlers in order, got %v", order)
	}
	if !fallbackRan {
		t.Error("expected fallback when every handler deferred")
	}
}

func TestMiddlewareTerminalHandlerStopsChain(t *testing.T) {
	chain := newMiddleware[string, *recordingResponse]()

	chain.Use(func(ctx context.Context, req string, res *recordingResponse, next nextFunc) error {
		res.sent = true
		return nil
	})
	chain.Use(func(ctx context.Context, req string, res *recordingResponse, next nextFunc) error {
		t.Error("handler after a terminal handler must not run")
		return next()
	})

	err := chain.Handle(context.Background(), "req", &recordingResponse{}, func(string, *recordingResponse) error {
		t.Error("fallback must not run after a terminal handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMiddlewareRespondedGuardOnDanglingNext(t *testing.T) {
	chain := newMiddleware[string, *recordingResponse]()

	chain.Use(func(ctx context.Context, req string, res *recordingResponse, next nextFunc) error {
		res.sent = true
		// Responding and then calling next must not double-dispatch.
		return next()
	})
	chain.Use(func(ctx context.Context, req string, res *recordingResponse, next nextFunc) error {
		t.Error("guard should stop the chain once responded")
		return next()
	})

	err := chain.Handle(context.Background(), "req", &recordingResponse{}, func(string, *recordingResponse) error {
		t.Error("fallback should not run once responded")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMiddlewareHonorsContextCancellation(t *testing.T) {
	chain := newMiddleware[string, *recordingResponse]()
	chain.Use(func(ctx context.Context, req string, res *recordingResponse, next nextFunc) error {
		t.Error("handler must not run with a cancelled context")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := chain.Handle(ctx, "req", &recordingResponse{}, func(string, *recordingResponse) error { return nil })
	if err == nil {
		t.Error("expected the cancelled context's error")
	}
}
