package registry

import (
    "context"
    "fmt"
    "sync"
)

// Handler consumes one decoded wire message payload and returns the reply
// body, if any.
type Handler interface {
    HandleMessage(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte) ([]byte, error) {
    return f(ctx, payload)
}

// Registry maps message type tags to their dispatch targets. Multiple
// components register during startup (exclusive writes); every inbound message
// reads the table (shared reads), so access follows a reader-writer
// discipline.
type Registry struct {
    mu       sync.RWMutex
    handlers map[string]Handler
}

func New() *Registry {
    return &Registry{handlers: make(map[string]Handler)}
}

// Register binds msgType to h. Re-registering a type replaces the previous
// handler; registration order across components is not significant.
func (r *Registry) Register(msgType string, h Handler) {
    r.mu.Lock()
    r.handlers[msgType] = h
    r.mu.Unlock()
}

// Handler returns the handler bound to msgType.
func (r *Registry) Handler(msgType string) (Handler, bool) {
    r.mu.RLock()
    h, ok := r.handlers[msgType]
    r.mu.RUnlock()
    return h, ok
}

// Dispatch routes one inbound message to its registered handler.
func (r *Registry) Dispatch(ctx context.Context, msgType string, payload []byte) ([]byte, error) {
    h, ok := r.Handler(msgType)
    if !ok {
        return nil, fmt.Errorf("registry: no handler for message type %q", msgType)
    }
    return h.HandleMessage(ctx, payload)
}
