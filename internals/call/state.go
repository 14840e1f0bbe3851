package call

import (
	"context"
	"errors"

	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"github.com/pion/webrtc/v3"
)

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateReceiving State = "receiving"
	StateConnected State = "connected"
)

var (
	ErrBusy             = errors.New("call already in progress")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrAudioUnavailable = errors.New("local audio unavailable")
	ErrTransportClosed  = errors.New("signaling transport closed")
	ErrTransportFailed  = errors.New("peer connection failed")
)

// Signaler carries outbound signaling messages to the relay.
type Signaler interface {
	Send(msg signaling.Message) error
}

// PeerConnection is the slice of a WebRTC peer connection the machine drives.
// Callbacks must not be invoked synchronously from within the other methods.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

type PeerFactory interface {
	NewPeer() (PeerConnection, error)
}

type AudioTrack interface {
	Track() webrtc.TrackLocal
	Stop()
}

// AudioSource opens the local microphone, or whatever stands in for it.
type AudioSource interface {
	Acquire(ctx context.Context) (AudioTrack, error)
}

// Observer receives updates for the UI layer. Callbacks run without the
// machine lock held and may call back into the machine.
type Observer struct {
	OnStateChange func(state State, peerID string)
	OnIncoming    func(peerID string)
	OnError       func(err error)
}

// SignalPayload is the body of every signaling event an endpoint sends.
type SignalPayload struct {
	Target      string                     `json:"target"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}
