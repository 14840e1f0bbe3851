package room

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/adityaadpandey/plaza-relay/internals/metrics"
	"go.uber.org/zap"
)

// SpawnConfig places first-time joiners. Endpoints guess their own spawn
// around the same center, so it must match what clients render.
type SpawnConfig struct {
	CenterX float64
	CenterY float64
	Jitter  float64
	Palette []string
}

// roomEntry serializes every operation on one room. A closed entry has been
// removed from the store and must not be used again.
type roomEntry struct {
	mu      sync.Mutex
	members int
	closed  bool
}

// Store owns every participant record. Rooms are created on first join and
// deleted as soon as their last member leaves.
type Store struct {
	backend Backend
	spawn   SpawnConfig
	rand    func() float64

	mu    sync.Mutex
	rooms map[string]*roomEntry

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewStore(backend Backend, spawn SpawnConfig, logger *zap.Logger, m *metrics.Metrics) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if len(spawn.Palette) == 0 {
		spawn.Palette = []string{"#4363d8"}
	}
	return &Store{
		backend: backend,
		spawn:   spawn,
		rand:    rand.Float64,
		rooms:   make(map[string]*roomEntry),
		logger:  logger.Named("rooms"),
		metrics: m,
	}
}

// SetRand replaces the spawn jitter source. fn must return values in [0, 1).
func (s *Store) SetRand(fn func() float64) {
	s.rand = fn
}

// acquire returns the locked entry for roomID. With create set a missing room
// is created; otherwise nil is returned for rooms that do not exist.
func (s *Store) acquire(roomID string, create bool) *roomEntry {
	for {
		s.mu.Lock()
		e, ok := s.rooms[roomID]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &roomEntry{}
			s.rooms[roomID] = e
			s.metrics.SetRooms(len(s.rooms))
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.closed {
			return e
		}
		e.mu.Unlock()
		if !create {
			return nil
		}
	}
}

// release unlocks e, deleting the room first if it has no members left.
// Reports whether the room was deleted.
func (s *Store) release(ctx context.Context, roomID string, e *roomEntry) bool {
	defer e.mu.Unlock()
	if e.members > 0 || e.closed {
		return false
	}

	e.closed = true
	s.mu.Lock()
	if s.rooms[roomID] == e {
		delete(s.rooms, roomID)
	}
	s.metrics.SetRooms(len(s.rooms))
	s.mu.Unlock()

	if err := s.backend.Drop(ctx, roomID); err != nil {
		s.logger.Warn("Failed to drop room from backend",
			zap.String("roomID", roomID),
			zap.Error(err),
		)
	}
	s.logger.Debug("Room deleted", zap.String("roomID", roomID))
	return true
}

// Join adds connID to roomID. A connection already recorded in the room is a
// rejoin and keeps its position and color.
func (s *Store) Join(ctx context.Context, roomID, connID string) (JoinResult, error) {
	return s.JoinWith(ctx, roomID, connID, nil)
}

// JoinWith is Join with fn run on success while the room is still locked, so
// notifications for one room go out in the order its events were applied.
// fn must not block or call back into the store.
func (s *Store) JoinWith(ctx context.Context, roomID, connID string, fn func(JoinResult)) (JoinResult, error) {
	e := s.acquire(roomID, true)
	defer s.release(ctx, roomID, e)

	existing, ok, err := s.backend.Get(ctx, roomID, connID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join %s: %w", roomID, err)
	}

	if ok {
		others, err := s.others(ctx, roomID, connID)
		if err != nil {
			return JoinResult{}, fmt.Errorf("join %s: %w", roomID, err)
		}
		s.metrics.RecordJoin(true)
		res := JoinResult{IsRejoin: true, Participant: existing, Others: others}
		if fn != nil {
			fn(res)
		}
		return res, nil
	}

	others, err := s.others(ctx, roomID, connID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join %s: %w", roomID, err)
	}

	p := Participant{
		ID:     connID,
		RoomID: roomID,
		X:      s.spawn.CenterX + (s.rand()*2-1)*s.spawn.Jitter,
		Y:      s.spawn.CenterY + (s.rand()*2-1)*s.spawn.Jitter,
		Color:  s.spawn.Palette[e.members%len(s.spawn.Palette)],
	}
	if err := s.backend.Put(ctx, p); err != nil {
		return JoinResult{}, fmt.Errorf("join %s: %w", roomID, err)
	}
	e.members++
	s.metrics.ParticipantAdded()
	s.metrics.RecordJoin(false)

	s.logger.Debug("Participant joined",
		zap.String("roomID", roomID),
		zap.String("connID", connID),
		zap.Int("members", e.members),
	)
	res := JoinResult{Participant: p, Others: others}
	if fn != nil {
		fn(res)
	}
	return res, nil
}

// Move overwrites the participant's position. A missing room or record
// yields a nil result and no error.
func (s *Store) Move(ctx context.Context, roomID, connID string, x, y float64) (*MoveResult, error) {
	return s.MoveWith(ctx, roomID, connID, x, y, nil)
}

// MoveWith is Move with fn run under the room lock when the move applied.
func (s *Store) MoveWith(ctx context.Context, roomID, connID string, x, y float64, fn func(MoveResult)) (*MoveResult, error) {
	e := s.acquire(roomID, false)
	if e == nil {
		return nil, nil
	}
	defer s.release(ctx, roomID, e)

	p, ok, err := s.backend.Get(ctx, roomID, connID)
	if err != nil {
		return nil, fmt.Errorf("move in %s: %w", roomID, err)
	}
	if !ok {
		return nil, nil
	}

	p.X, p.Y = x, y
	if err := s.backend.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("move in %s: %w", roomID, err)
	}

	others, err := s.othersIDs(ctx, roomID, connID)
	if err != nil {
		return nil, fmt.Errorf("move in %s: %w", roomID, err)
	}
	res := MoveResult{Participant: p, Others: others}
	if fn != nil {
		fn(res)
	}
	return &res, nil
}

// Leave removes connID from roomID and deletes the room when it empties.
func (s *Store) Leave(ctx context.Context, roomID, connID string) (LeaveResult, error) {
	return s.LeaveWith(ctx, roomID, connID, nil)
}

// LeaveWith is Leave with fn run under the room lock when a member was removed.
func (s *Store) LeaveWith(ctx context.Context, roomID, connID string, fn func(LeaveResult)) (LeaveResult, error) {
	e := s.acquire(roomID, false)
	if e == nil {
		return LeaveResult{}, nil
	}

	removed, err := s.backend.Delete(ctx, roomID, connID)
	if err != nil {
		s.release(ctx, roomID, e)
		return LeaveResult{}, fmt.Errorf("leave %s: %w", roomID, err)
	}
	if removed {
		e.members--
		s.metrics.ParticipantRemoved()
	}

	var remaining []string
	if e.members > 0 {
		remaining, err = s.othersIDs(ctx, roomID, connID)
		if err != nil {
			s.logger.Warn("Failed to list remaining members",
				zap.String("roomID", roomID),
				zap.Error(err),
			)
		}
	}

	res := LeaveResult{
		Removed:      removed,
		RoomNowEmpty: removed && e.members == 0,
		Remaining:    remaining,
	}
	if removed && fn != nil {
		fn(res)
	}
	s.release(ctx, roomID, e)
	return res, nil
}

// Members returns a snapshot of the room, or nil if it does not exist.
func (s *Store) Members(ctx context.Context, roomID string) ([]Participant, error) {
	e := s.acquire(roomID, false)
	if e == nil {
		return nil, nil
	}
	defer s.release(ctx, roomID, e)
	return s.backend.List(ctx, roomID)
}

// Rooms lists every live room sorted by id.
func (s *Store) Rooms() []Info {
	s.mu.Lock()
	entries := make(map[string]*roomEntry, len(s.rooms))
	for id, e := range s.rooms {
		entries[id] = e
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		if !e.closed && e.members > 0 {
			out = append(out, Info{ID: id, Members: e.members})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of rooms currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Store) others(ctx context.Context, roomID, connID string) ([]Participant, error) {
	all, err := s.backend.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	others := make([]Participant, 0, len(all))
	for _, p := range all {
		if p.ID != connID {
			others = append(others, p)
		}
	}
	return others, nil
}

func (s *Store) othersIDs(ctx context.Context, roomID, connID string) ([]string, error) {
	others, err := s.others(ctx, roomID, connID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(others))
	for i, p := range others {
		ids[i] = p.ID
	}
	return ids, nil
}
