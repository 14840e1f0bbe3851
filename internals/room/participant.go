package room

import (
	"context"
	"errors"
)

var ErrBackendUnavailable = errors.New("room backend unavailable")

// Participant is a connection's membership record within one room.
type Participant struct {
	ID     string  `json:"id"`
	RoomID string  `json:"roomId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Color  string  `json:"color"`
}

type JoinResult struct {
	IsRejoin    bool
	Participant Participant
	// Others excludes the joining participant.
	Others []Participant
}

type MoveResult struct {
	Participant Participant
	// Others holds the ids of every other member of the room.
	Others []string
}

type LeaveResult struct {
	Removed      bool
	RoomNowEmpty bool
	Remaining    []string
}

// Info summarizes a live room.
type Info struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// Backend stores participant records. The Store serializes all calls for a
// given room, but calls for different rooms may run concurrently.
type Backend interface {
	Get(ctx context.Context, roomID, id string) (Participant, bool, error)
	Put(ctx context.Context, p Participant) error
	Delete(ctx context.Context, roomID, id string) (bool, error)
	// List returns the room's participants in a stable order.
	List(ctx context.Context, roomID string) ([]Participant, error)
	Drop(ctx context.Context, roomID string) error
}
