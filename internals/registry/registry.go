package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adityaadpandey/plaza-relay/internals/metrics"
	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"go.uber.org/zap"
)

var ErrDuplicateConnection = errors.New("connection already registered")

// Departure describes a connection that went away and the room it was in, if any.
type Departure struct {
	ID     string
	RoomID string
}

// DepartureFunc reacts to a removed connection. It runs before the
// connection's own cleanups and before its context is cancelled.
type DepartureFunc func(ctx context.Context, d Departure)

type entry struct {
	sender signaling.Sender
	roomID string
	reg    *Registration
}

// Registry maps live connection ids to their outbound sender and the room
// they are currently in. It is the lifecycle anchor for all other state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	listenersMu sync.RWMutex
	listeners   []DepartureFunc

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.Named("registry"),
		metrics: m,
	}
}

// OnDisconnect adds a listener run for every departing connection, in the
// order listeners were added.
func (r *Registry) OnDisconnect(fn DepartureFunc) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Connect records a live connection. The returned Registration must be closed
// when the transport goes away; closing it is the only way an entry is removed.
func (r *Registry) Connect(id string, s signaling.Sender) (*Registration, error) {
	if id == "" {
		return nil, errors.New("connect: empty connection id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("connect %s: %w", id, ErrDuplicateConnection)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := &Registration{
		id:       id,
		registry: r,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.entries[id] = &entry{sender: s, reg: reg}
	r.metrics.ConnectionOpened()

	r.logger.Debug("Connection registered", zap.String("connID", id))
	return reg, nil
}

// Disconnect tears down the connection with the given id. Unknown or already
// removed ids are accepted silently.
func (r *Registry) Disconnect(id string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.reg.Close()
}

func (r *Registry) Lookup(id string) (signaling.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// SetRoom records roomID as the connection's current room. It reports false
// when the connection is not registered (anymore).
func (r *Registry) SetRoom(id, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.roomID = roomID
	return true
}

func (r *Registry) RoomOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.roomID == "" {
		return "", false
	}
	return e.roomID, true
}

// ClearRoom forgets the connection's room only if it is still roomID.
func (r *Registry) ClearRoom(id, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.roomID == roomID {
		e.roomID = ""
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns a snapshot of every registered connection id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// remove deletes the entry and returns the room it was in.
func (r *Registry) remove(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	delete(r.entries, id)
	r.metrics.ConnectionClosed()
	return e.roomID, true
}

func (r *Registry) departureListeners() []DepartureFunc {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return append([]DepartureFunc(nil), r.listeners...)
}
