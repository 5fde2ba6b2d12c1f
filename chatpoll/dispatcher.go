package chatpoll

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-relay/backend/provider"
	"github.com/onnwee/chat-relay/backend/telemetry"
)

// Handler consumes one novel chat event. The event must be treated as
// read-only. Returned errors are logged and isolated; they never affect other
// handlers or the poll loop.
type Handler func(ctx context.Context, ev provider.ChatEvent) error

type registration struct {
	name  string
	fn    Handler
	async bool
}

// Dispatcher holds the ordered set of registered consumer handlers and
// invokes them for each novel event. Synchronous handlers run in registration
// order; async handlers are scheduled in their own goroutine so they cannot
// stall the poll loop.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []registration
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Register appends a synchronous handler. Registration order is invocation order.
func (d *Dispatcher) Register(name string, fn Handler) {
	d.add(registration{name: name, fn: fn})
}

// RegisterAsync appends a handler that is dispatched in its own goroutine.
func (d *Dispatcher) RegisterAsync(name string, fn Handler) {
	d.add(registration{name: name, fn: fn, async: true})
}

func (d *Dispatcher) add(reg registration) {
	d.mu.Lock()
	d.handlers = append(d.handlers, reg)
	n := len(d.handlers)
	d.mu.Unlock()
	telemetry.SetRegisteredHandlers(n)
	slog.Debug("chat handler registered", slog.String("handler", reg.name), slog.Bool("async", reg.async))
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch invokes every registered handler with ev. A handler that fails or
// panics is logged with its name and the event id; remaining handlers still run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev provider.ChatEvent) {
	d.mu.RLock()
	handlers := make([]registration, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, reg := range handlers {
		if reg.async {
			go invoke(ctx, reg, ev)
			continue
		}
		invoke(ctx, reg, ev)
	}
}

func invoke(ctx context.Context, reg registration, ev provider.ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.HandlerErrors.Inc()
			slog.Error("chat handler panicked",
				slog.String("handler", reg.name), slog.String("event_id", ev.ID), slog.Any("panic", r))
		}
	}()
	if err := reg.fn(ctx, ev); err != nil {
		telemetry.HandlerErrors.Inc()
		slog.Error("chat handler failed",
			slog.String("handler", reg.name), slog.String("event_id", ev.ID), slog.Any("err", err))
	}
}
