package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Machine tracks this endpoint's single call. At most one call is active; a
// request arriving while busy is declined automatically, except when both
// endpoints called each other and the local id settles who answers.
type Machine struct {
	signaler Signaler
	peers    PeerFactory
	audio    AudioSource
	observer Observer
	logger   *zap.Logger

	mu      sync.Mutex
	localID string
	state   State
	peerID  string
	pc      PeerConnection
	track   AudioTrack

	// offer holds a remote offer that arrived before the user accepted.
	offer    *webrtc.SessionDescription
	accepted bool

	// Candidates wait here until the remote description is applied.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// gen invalidates callbacks registered by an earlier call.
	gen uint64

	notify []func()
}

func NewMachine(signaler Signaler, peers PeerFactory, audio AudioSource, observer Observer, logger *zap.Logger) *Machine {
	return &Machine{
		signaler: signaler,
		peers:    peers,
		audio:    audio,
		observer: observer,
		logger:   logger.Named("call"),
		state:    StateIdle,
	}
}

// SetLocalID records the id the relay assigned to this endpoint. It breaks
// ties when both endpoints call each other at the same time: the lower id
// becomes the callee. Without it both sides decline.
func (m *Machine) SetLocalID(id string) {
	m.mu.Lock()
	m.localID = id
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer is the counterpart of the current call, empty when idle.
func (m *Machine) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// PendingCandidates is the number of buffered, not yet applied candidates.
func (m *Machine) PendingCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Call rings peerID and sends the offer. It blocks while local audio is acquired.
func (m *Machine) Call(ctx context.Context, peerID string) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateIdle {
		return ErrBusy
	}
	if peerID == "" {
		return errors.New("call: empty peer id")
	}

	m.gen++
	m.peerID = peerID
	m.setStateLocked(StateCalling)

	if err := m.sendLocked(signaling.EventCallRequest, SignalPayload{Target: peerID}); err != nil {
		return m.failLocked(err, false)
	}
	if err := m.openLocked(ctx); err != nil {
		return m.failLocked(err, true)
	}

	offer, err := m.pc.CreateOffer()
	if err != nil {
		return m.failLocked(fmt.Errorf("create offer: %w", err), true)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return m.failLocked(fmt.Errorf("set local offer: %w", err), true)
	}
	if err := m.sendLocked(signaling.EventSessionOffer, SignalPayload{Target: peerID, Description: &offer}); err != nil {
		return m.failLocked(err, false)
	}

	m.logger.Info("Calling peer", zap.String("peerID", peerID))
	return nil
}

// Accept answers the incoming call. The answer goes out as soon as the
// caller's offer is available, which may be later.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateReceiving || m.accepted {
		return ErrNoIncomingCall
	}
	m.accepted = true

	if err := m.sendLocked(signaling.EventCallAccept, SignalPayload{Target: m.peerID}); err != nil {
		return m.failLocked(err, false)
	}
	if err := m.openLocked(ctx); err != nil {
		return m.failLocked(err, true)
	}
	if m.offer != nil {
		if err := m.answerLocked(); err != nil {
			return m.failLocked(err, true)
		}
	}
	return nil
}

func (m *Machine) Decline() error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateReceiving {
		return ErrNoIncomingCall
	}
	m.sendLocked(signaling.EventCallDecline, SignalPayload{Target: m.peerID})
	m.teardownLocked(false)
	return nil
}

// End hangs up whatever call is active. Ending while idle is a no-op.
func (m *Machine) End() {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateIdle {
		return
	}
	m.teardownLocked(true)
}

// HandleTransportClosed forces idle after the relay connection dropped.
func (m *Machine) HandleTransportClosed() {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateIdle {
		return
	}
	m.teardownLocked(false)
	m.errorLocked(ErrTransportClosed)
}

// HandleMessage applies a signaling event received from the relay. Events
// from anyone but the current peer are ignored, except call requests.
func (m *Machine) HandleMessage(msg signaling.Message) error {
	var payload SignalPayload
	if len(msg.Data) > 0 {
		if err := signaling.DecodeData(msg.Data, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
	}

	m.mu.Lock()
	defer m.unlock()

	switch msg.Type {
	case signaling.EventCallRequest:
		m.handleRequestLocked(msg.From)

	case signaling.EventSessionOffer:
		if payload.Description == nil {
			return fmt.Errorf("session-offer from %s without description", msg.From)
		}
		m.handleOfferLocked(msg.From, *payload.Description)

	case signaling.EventSessionAnswer:
		if payload.Description == nil {
			return fmt.Errorf("session-answer from %s without description", msg.From)
		}
		m.handleAnswerLocked(msg.From, *payload.Description)

	case signaling.EventNetworkCandidate:
		if payload.Candidate == nil {
			return nil
		}
		m.handleCandidateLocked(msg.From, *payload.Candidate)

	case signaling.EventCallAccept:
		if m.isCurrentLocked(msg.From) && m.state == StateCalling {
			// The callee opens its peer connection only after accepting, so
			// earlier candidates belong to an offer it abandoned.
			if len(m.pending) > 0 {
				m.logger.Debug("Dropping candidates queued before accept",
					zap.String("peerID", msg.From),
					zap.Int("dropped", len(m.pending)),
				)
				m.pending = nil
			}
			m.logger.Debug("Peer accepted call", zap.String("peerID", msg.From))
		}

	case signaling.EventCallDecline, signaling.EventCallEnd:
		if m.isCurrentLocked(msg.From) {
			m.logger.Info("Call ended by peer",
				zap.String("peerID", msg.From),
				zap.String("event", string(msg.Type)),
			)
			m.teardownLocked(false)
		}
	}
	return nil
}

func (m *Machine) handleRequestLocked(from string) {
	switch {
	case m.state == StateIdle:
		m.startIncomingLocked(from)
		return
	case m.state == StateReceiving && m.isCurrentLocked(from):
		// Repeated request for the call already ringing.
		return
	case m.state == StateCalling && m.isCurrentLocked(from) && m.localID != "":
		// Both sides called each other.
		if m.localID < from {
			m.logger.Info("Simultaneous call, answering instead", zap.String("peerID", from))
			m.resetLocked()
			m.startIncomingLocked(from)
		} else {
			m.logger.Info("Simultaneous call, keeping outgoing call", zap.String("peerID", from))
		}
		return
	}
	m.logger.Info("Declining call while busy", zap.String("peerID", from))
	m.sendTo(from, signaling.EventCallDecline)
}

func (m *Machine) handleOfferLocked(from string, offer webrtc.SessionDescription) {
	switch {
	case m.state == StateIdle:
		// An offer without a prior request still rings.
		m.startIncomingLocked(from)
	case !m.isCurrentLocked(from):
		m.sendTo(from, signaling.EventCallDecline)
		return
	case m.state != StateReceiving:
		m.logger.Debug("Ignoring offer outside of receiving state", zap.String("peerID", from))
		return
	}

	m.offer = &offer
	if m.accepted && m.pc != nil {
		if err := m.answerLocked(); err != nil {
			m.failLocked(err, true)
		}
	}
}

func (m *Machine) handleAnswerLocked(from string, answer webrtc.SessionDescription) {
	if !m.isCurrentLocked(from) || m.state != StateCalling || m.pc == nil {
		return
	}
	if err := m.applyRemoteLocked(answer); err != nil {
		m.failLocked(err, true)
		return
	}
	m.setStateLocked(StateConnected)
	m.logger.Info("Call connected", zap.String("peerID", from))
}

func (m *Machine) handleCandidateLocked(from string, candidate webrtc.ICECandidateInit) {
	if !m.isCurrentLocked(from) {
		return
	}
	if m.pc == nil || !m.remoteSet {
		m.pending = append(m.pending, candidate)
		m.logger.Debug("Queued network candidate (remote description not set yet)",
			zap.String("peerID", from),
			zap.Int("pending", len(m.pending)),
		)
		return
	}
	if err := m.pc.AddICECandidate(candidate); err != nil {
		m.logger.Warn("Failed to add network candidate", zap.String("peerID", from), zap.Error(err))
	}
}

func (m *Machine) startIncomingLocked(from string) {
	m.gen++
	m.peerID = from
	m.setStateLocked(StateReceiving)
	if fn := m.observer.OnIncoming; fn != nil {
		m.notify = append(m.notify, func() { fn(from) })
	}
	m.logger.Info("Incoming call", zap.String("peerID", from))
}

// openLocked acquires audio and creates the peer connection with the track.
func (m *Machine) openLocked(ctx context.Context) error {
	track, err := m.audio.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAudioUnavailable, err)
	}
	m.track = track

	pc, err := m.peers.NewPeer()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	m.pc = pc

	gen, peerID := m.gen, m.peerID
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.mu.Lock()
		defer m.unlock()
		if m.gen != gen || m.state == StateIdle {
			return
		}
		m.sendLocked(signaling.EventNetworkCandidate, SignalPayload{Target: peerID, Candidate: &c})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.mu.Lock()
		defer m.unlock()
		if m.gen != gen || m.state == StateIdle {
			return
		}
		m.logger.Debug("Peer connection state changed",
			zap.String("peerID", peerID),
			zap.String("state", s.String()),
		)
		if s == webrtc.PeerConnectionStateFailed {
			m.failLocked(ErrTransportFailed, true)
		}
	})

	if err := pc.AddTrack(track.Track()); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	return nil
}

func (m *Machine) answerLocked() error {
	offer := *m.offer
	m.offer = nil
	if err := m.applyRemoteLocked(offer); err != nil {
		return err
	}
	answer, err := m.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := m.sendLocked(signaling.EventSessionAnswer, SignalPayload{Target: m.peerID, Description: &answer}); err != nil {
		return err
	}
	m.setStateLocked(StateConnected)
	m.logger.Info("Call connected", zap.String("peerID", m.peerID))
	return nil
}

// applyRemoteLocked sets the remote description and drains buffered
// candidates in arrival order. A candidate that fails to apply is skipped.
func (m *Machine) applyRemoteLocked(desc webrtc.SessionDescription) error {
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	m.remoteSet = true

	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("Failed to add queued network candidate",
				zap.String("peerID", m.peerID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// failLocked ends the call after a local failure and reports err.
func (m *Machine) failLocked(err error, notifyPeer bool) error {
	m.logger.Warn("Call failed", zap.String("peerID", m.peerID), zap.Error(err))
	m.teardownLocked(notifyPeer)
	m.errorLocked(err)
	return err
}

func (m *Machine) teardownLocked(notifyPeer bool) {
	if notifyPeer && m.peerID != "" {
		m.sendTo(m.peerID, signaling.EventCallEnd)
	}
	m.resetLocked()
	m.setStateLocked(StateIdle)
	m.peerID = ""
}

// resetLocked releases the peer connection and audio and forgets everything
// negotiated so far. State and peer are left to the caller.
func (m *Machine) resetLocked() {
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.logger.Debug("Failed to close peer connection", zap.Error(err))
		}
		m.pc = nil
	}
	if m.track != nil {
		m.track.Stop()
		m.track = nil
	}

	m.gen++
	m.offer = nil
	m.accepted = false
	m.remoteSet = false
	m.pending = nil
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if fn := m.observer.OnStateChange; fn != nil {
		peerID := m.peerID
		m.notify = append(m.notify, func() { fn(s, peerID) })
	}
}

func (m *Machine) errorLocked(err error) {
	if fn := m.observer.OnError; fn != nil {
		m.notify = append(m.notify, func() { fn(err) })
	}
}

func (m *Machine) isCurrentLocked(from string) bool {
	return m.state != StateIdle && from != "" && from == m.peerID
}

func (m *Machine) sendLocked(t signaling.EventType, payload SignalPayload) error {
	msg, err := signaling.NewMessage(t, payload)
	if err != nil {
		return err
	}
	if err := m.signaler.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// sendTo sends a bare event to target, logging rather than returning errors.
func (m *Machine) sendTo(target string, t signaling.EventType) {
	if err := m.sendLocked(t, SignalPayload{Target: target}); err != nil {
		m.logger.Debug("Failed to send signal", zap.String("type", string(t)), zap.Error(err))
	}
}

// unlock releases the lock, then runs queued observer callbacks.
func (m *Machine) unlock() {
	queued := m.notify
	m.notify = nil
	m.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}
