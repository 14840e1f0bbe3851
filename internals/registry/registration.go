package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registration is the scoped subscription owned by one connection. Cleanups
// attached with OnClose run exactly once, when the registration is closed.
type Registration struct {
	id       string
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cleanups []func()
	closed   bool
	once     sync.Once
}

func (g *Registration) ID() string {
	return g.id
}

// Context is cancelled once the registration is closed.
func (g *Registration) Context() context.Context {
	return g.ctx
}

// OnClose attaches a cleanup. Cleanups run in reverse order of attachment.
// Attaching to an already closed registration runs fn immediately.
func (g *Registration) OnClose(fn func()) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		fn()
		return
	}
	g.cleanups = append(g.cleanups, fn)
	g.mu.Unlock()
}

// Close removes the connection from the registry, notifies departure
// listeners with the room it was in, runs the cleanups and cancels Context.
// Subsequent calls are no-ops.
func (g *Registration) Close() {
	g.once.Do(func() {
		roomID, ok := g.registry.remove(g.id)
		if ok {
			d := Departure{ID: g.id, RoomID: roomID}
			for _, fn := range g.registry.departureListeners() {
				fn(g.ctx, d)
			}
		}

		g.mu.Lock()
		g.closed = true
		cleanups := g.cleanups
		g.cleanups = nil
		g.mu.Unlock()

		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}

		g.cancel()
		g.registry.logger.Debug("Connection unregistered",
			zap.String("connID", g.id),
			zap.String("roomID", roomID),
		)
	})
}
