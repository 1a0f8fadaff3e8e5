// A generic ordered chain of guarded handlers. Each handler either handles
// the request (terminal) or defers by calling next; when every handler has
// deferred, the fallback runs. Responses expose a responded guard that the
// chain consults before every step, so a handler that both responds and
// calls next cannot cause a double dispatch.
package wavesock

import (
	"context"
	"sync"
)

type nextFunc func() error

type handlerFunc[Request any, Response any] func(ctx context.Context, request Request, response Response, next nextFunc) error

type fallbackFunc[Request any, Response any] func(request Request, response Response) error

// responder is implemented by response objects that can report whether a
// terminal call has already been made.
type responder interface {
	responded() bool
}

type middleware[Request any, Response any] struct {
	mu       sync.RWMutex
	handlers []handlerFunc[Request, Response]
}

func newMiddleware[Request any, Response any]() *middleware[Request, Response] {
	return &middleware[Request, Response]{}
}

// Use appends handlers to the chain. Registration order is consultation
// order.
func (m *middleware[Request, Response]) Use(handlers ...handlerFunc[Request, Response]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handlers...)
}

func (m *middleware[Request, Response]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}

// Handle runs the chain over the request. The fallback runs only when no
// handler responded and every handler deferred.
func (m *middleware[Request, Response]) Handle(ctx context.Context, request Request, response Response, fallback fallbackFunc[Request, Response]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.RLock()
	handlers := make([]handlerFunc[Request, Response], len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	var step func(index int) error
	step = func(index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if hasResponded(response) {
			return nil
		}
		if index >= len(handlers) {
			return fallback(request, response)
		}
		handler := handlers[index]
		next := func() error {
			return step(index + 1)
		}
		return handler(ctx, request, response, next)
	}
	return step(0)
}

func hasResponded(response any) bool {
	if r, ok := response.(responder); ok && r != nil {
		return r.responded()
	}
	return false
}
