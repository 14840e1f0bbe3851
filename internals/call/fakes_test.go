package call

import (
	"context"
	"errors"
	"sync"

	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"github.com/pion/webrtc/v3"
)

// outbox records what a machine sends, tagged with the sender id as the
// relay would, so tests control delivery order.
type outbox struct {
	mu   sync.Mutex
	from string
	msgs []signaling.Message
	err  error
}

func (o *outbox) Send(msg signaling.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	msg.From = o.from
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) take() []signaling.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = nil
	return out
}

func (o *outbox) types() []signaling.EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]signaling.EventType, len(o.msgs))
	for i, m := range o.msgs {
		out[i] = m.Type
	}
	return out
}

type fakePeer struct {
	mu          sync.Mutex
	name        string
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	applied     []string
	tracks      int
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	if c.Candidate == "bad" {
		return errors.New("malformed candidate")
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	p.tracks++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (p *fakePeer) emitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	name  string
	peers []*fakePeer
	err   error
}

func (f *fakeFactory) NewPeer() (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{name: f.name}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTrack struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) Track() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeAudio struct {
	err    error
	tracks []*fakeTrack
}

func (a *fakeAudio) Acquire(context.Context) (AudioTrack, error) {
	if a.err != nil {
		return nil, a.err
	}
	t := &fakeTrack{}
	a.tracks = append(a.tracks, t)
	return t, nil
}

// endpoint bundles a machine with its fakes.
type endpoint struct {
	id    string
	out   *outbox
	peers *fakeFactory
	audio *fakeAudio
	m     *Machine

	mu     sync.Mutex
	states []State
	errs   []error
	rings  []string
}

func (e *endpoint) stateLog() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.states...)
}

func (e *endpoint) errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}
