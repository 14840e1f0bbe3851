package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adityaadpandey/plaza-relay/internals/metrics"
	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"go.uber.org/zap"
)

var (
	ErrMissingTarget = errors.New("signaling message has no target")
	ErrNotSignal     = errors.New("event is not a signaling event")
)

// Directory resolves a target id to its live connection.
type Directory interface {
	Lookup(id string) (signaling.Sender, bool)
}

// Relay forwards signaling payloads to their target connection without
// looking past the target field. It remembers who is talking to whom, by
// event name only, so a disconnect can end the other side's call.
type Relay struct {
	dir Directory

	mu    sync.Mutex
	links map[string]map[string]struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(dir Directory, logger *zap.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		dir:     dir,
		links:   make(map[string]map[string]struct{}),
		logger:  logger.Named("relay"),
		metrics: m,
	}
}

// Forward delivers data verbatim to the target named in it, tagged with
// senderID. An unknown target is the common "already hung up" case and
// reports false with no error.
func (r *Relay) Forward(event signaling.EventType, senderID string, data json.RawMessage) (bool, error) {
	if !event.IsSignal() {
		return false, fmt.Errorf("%s: %w", event, ErrNotSignal)
	}

	var tp signaling.TargetPayload
	if err := signaling.DecodeData(data, &tp); err != nil || tp.Target == "" {
		r.metrics.RecordSignalDrop(metrics.ReasonNoTarget)
		return false, fmt.Errorf("%s: %w", event, ErrMissingTarget)
	}

	sender, ok := r.dir.Lookup(tp.Target)
	if !ok {
		r.unlink(senderID, tp.Target)
		r.metrics.RecordSignalDrop(metrics.ReasonUnknownTarget)
		r.logger.Debug("Dropping signal for unknown target",
			zap.String("type", string(event)),
			zap.String("from", senderID),
			zap.String("target", tp.Target),
		)
		return false, nil
	}

	switch event {
	case signaling.EventCallDecline, signaling.EventCallEnd:
		r.unlink(senderID, tp.Target)
	case signaling.EventNetworkCandidate:
	default:
		r.link(senderID, tp.Target)
		// Either side may have departed since the lookup, after its Disconnect
		// already cleared the links.
		if !r.live(senderID) || !r.live(tp.Target) {
			r.unlink(senderID, tp.Target)
		}
	}

	if !sender.Send(signaling.Message{
		Type:      event,
		Data:      data,
		From:      senderID,
		Timestamp: time.Now(),
	}) {
		r.metrics.RecordSignalDrop(metrics.ReasonBufferFull)
		return false, nil
	}

	r.metrics.RecordSignal(string(event))
	return true, nil
}

// Disconnect ends every call the departed connection was part of by sending
// call-end to each counterpart on its behalf.
func (r *Relay) Disconnect(id string) {
	r.mu.Lock()
	peers := r.links[id]
	delete(r.links, id)
	for peer := range peers {
		r.removeLocked(peer, id)
	}
	r.mu.Unlock()

	for peer := range peers {
		msg, err := signaling.NewMessage(signaling.EventCallEnd, signaling.TargetPayload{Target: peer})
		if err != nil {
			continue
		}
		msg.From = id

		sender, ok := r.dir.Lookup(peer)
		if !ok {
			continue
		}
		sender.Send(msg)
		r.metrics.RecordCallCancelled()
		r.logger.Debug("Cancelled call after disconnect",
			zap.String("connID", id),
			zap.String("counterpart", peer),
		)
	}
}

// Counterparts lists the ids connID is currently signaling with.
func (r *Relay) Counterparts(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.links[connID]))
	for peer := range r.links[connID] {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

func (r *Relay) live(id string) bool {
	_, ok := r.dir.Lookup(id)
	return ok
}

func (r *Relay) link(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(a, b)
	r.addLocked(b, a)
}

func (r *Relay) unlink(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(a, b)
	r.removeLocked(b, a)
}

func (r *Relay) addLocked(from, to string) {
	set, ok := r.links[from]
	if !ok {
		set = make(map[string]struct{})
		r.links[from] = set
	}
	set[to] = struct{}{}
}

func (r *Relay) removeLocked(from, to string) {
	set, ok := r.links[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(r.links, from)
	}
}
