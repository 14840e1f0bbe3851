package room

import (
	"context"
	"slices"
	"sync"
)

type memoryRoom struct {
	order   []string
	members map[string]Participant
}

// MemoryBackend keeps rooms in process memory, members in join order.
type MemoryBackend struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rooms: make(map[string]*memoryRoom)}
}

func (b *MemoryBackend) Get(_ context.Context, roomID, id string) (Participant, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return Participant{}, false, nil
	}
	p, ok := r.members[id]
	return p, ok, nil
}

func (b *MemoryBackend) Put(_ context.Context, p Participant) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[p.RoomID]
	if !ok {
		r = &memoryRoom{members: make(map[string]Participant)}
		b.rooms[p.RoomID] = r
	}
	if _, exists := r.members[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.members[p.ID] = p
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, roomID, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return false, nil
	}
	if _, exists := r.members[id]; !exists {
		return false, nil
	}
	delete(r.members, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return true, nil
}

func (b *MemoryBackend) List(_ context.Context, roomID string) ([]Participant, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil, nil
	}
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out, nil
}

func (b *MemoryBackend) Drop(_ context.Context, roomID string) error {
	b.mu.Lock()
	delete(b.rooms, roomID)
	b.mu.Unlock()
	return nil
}
