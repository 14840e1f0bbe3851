package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/adityaadpandey/plaza-relay/internals/metrics"
	"github.com/adityaadpandey/plaza-relay/internals/room"
	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("connection is not registered")

// Directory resolves live connections and the room each one is in.
type Directory interface {
	Lookup(id string) (signaling.Sender, bool)
	RoomOf(id string) (string, bool)
	SetRoom(id, roomID string) bool
	ClearRoom(id, roomID string)
}

type RoomStatePayload struct {
	Participants []room.Participant `json:"participants"`
}

// Synchronizer decides which connection receives which presence
// notification. Every send is best effort and never retried.
type Synchronizer struct {
	store   *room.Store
	dir     Directory
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(store *room.Store, dir Directory, logger *zap.Logger, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		store:   store,
		dir:     dir,
		logger:  logger.Named("presence"),
		metrics: m,
	}
}

// Join moves connID into roomID, leaving its previous room first. The joiner
// gets the room snapshot and its own record; others hear about first joins only.
func (s *Synchronizer) Join(ctx context.Context, connID, roomID string) (room.JoinResult, error) {
	if prev, ok := s.dir.RoomOf(connID); ok && prev != roomID {
		s.dir.ClearRoom(connID, prev)
		s.leaveRoom(ctx, connID, prev)
	}

	if !s.dir.SetRoom(connID, roomID) {
		return room.JoinResult{}, fmt.Errorf("join %s: %w", roomID, ErrNotConnected)
	}

	res, err := s.store.JoinWith(ctx, roomID, connID, func(res room.JoinResult) {
		s.sendTo(connID, signaling.EventRoomState, RoomStatePayload{Participants: res.Others})
		s.sendTo(connID, signaling.EventSelfAssigned, res.Participant)
		if !res.IsRejoin {
			s.broadcast(signaling.EventParticipantJoined, res.Participant, participantIDs(res.Others))
		}
	})
	if err != nil {
		s.dir.ClearRoom(connID, roomID)
		return room.JoinResult{}, err
	}

	// A disconnect that raced the join found no room to clean up; undo it here.
	if current, ok := s.dir.RoomOf(connID); !ok || current != roomID {
		s.leaveRoom(ctx, connID, roomID)
		return room.JoinResult{}, fmt.Errorf("join %s: %w", roomID, ErrNotConnected)
	}

	s.logger.Debug("Participant synchronized",
		zap.String("connID", connID),
		zap.String("roomID", roomID),
		zap.Bool("rejoin", res.IsRejoin),
		zap.Int("others", len(res.Others)),
	)
	return res, nil
}

// Move applies the new position and tells every other member. Moves from
// connections outside any room, or with no record left, are dropped.
func (s *Synchronizer) Move(ctx context.Context, connID string, x, y float64) error {
	roomID, ok := s.dir.RoomOf(connID)
	if !ok {
		s.metrics.RecordDrop(metrics.ReasonStale)
		return nil
	}

	res, err := s.store.MoveWith(ctx, roomID, connID, x, y, func(res room.MoveResult) {
		s.broadcast(signaling.EventParticipantMoved, signaling.MovedPayload{
			ID: connID,
			X:  res.Participant.X,
			Y:  res.Participant.Y,
		}, res.Others)
	})
	if err != nil {
		return err
	}
	if res == nil {
		s.metrics.RecordDrop(metrics.ReasonStale)
	}
	return nil
}

// Leave removes connID from its current room on request.
func (s *Synchronizer) Leave(ctx context.Context, connID string) {
	roomID, ok := s.dir.RoomOf(connID)
	if !ok {
		return
	}
	s.dir.ClearRoom(connID, roomID)
	s.leaveRoom(ctx, connID, roomID)
}

// Depart cleans up after a connection that is already gone.
func (s *Synchronizer) Depart(ctx context.Context, connID, roomID string) {
	if roomID == "" {
		return
	}
	s.leaveRoom(ctx, connID, roomID)
}

func (s *Synchronizer) leaveRoom(ctx context.Context, connID, roomID string) {
	_, err := s.store.LeaveWith(ctx, roomID, connID, func(res room.LeaveResult) {
		s.broadcast(signaling.EventParticipantLeft, signaling.LeftPayload{ID: connID}, res.Remaining)
	})
	if err != nil {
		s.logger.Warn("Failed to leave room",
			zap.String("connID", connID),
			zap.String("roomID", roomID),
			zap.Error(err),
		)
	}
}

func (s *Synchronizer) sendTo(connID string, t signaling.EventType, payload any) {
	msg, err := signaling.NewMessage(t, payload)
	if err != nil {
		s.logger.Error("Failed to encode notification", zap.String("type", string(t)), zap.Error(err))
		return
	}
	sender, ok := s.dir.Lookup(connID)
	if !ok {
		s.metrics.RecordDrop(metrics.ReasonStale)
		return
	}
	if sender.Send(msg) {
		s.metrics.RecordFanOut(string(t), 1)
	}
}

func (s *Synchronizer) broadcast(t signaling.EventType, payload any, ids []string) {
	if len(ids) == 0 {
		s.metrics.RecordFanOut(string(t), 0)
		return
	}
	msg, err := signaling.NewMessage(t, payload)
	if err != nil {
		s.logger.Error("Failed to encode notification", zap.String("type", string(t)), zap.Error(err))
		return
	}

	sent := 0
	for _, id := range ids {
		sender, ok := s.dir.Lookup(id)
		if !ok {
			s.metrics.RecordDrop(metrics.ReasonStale)
			continue
		}
		if sender.Send(msg) {
			sent++
		}
	}
	s.metrics.RecordFanOut(string(t), sent)
}

func participantIDs(ps []room.Participant) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}
