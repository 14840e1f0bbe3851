package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/adityaadpandey/plaza-relay/internals/config"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionFactory builds peer connections for one endpoint on a shared pion API.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
}

func NewPionFactory(cfg config.WebRTCConfig, logger *zap.Logger) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.UDPPortRange.Min > 0 && cfg.UDPPortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			logger.Error("Failed to set UDP port range", zap.Error(err))
		}
	}

	f := &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers: make([]webrtc.ICEServer, len(cfg.ICEServers)),
		},
		logger: logger.Named("pion"),
	}
	for idx, iceServer := range cfg.ICEServers {
		f.config.ICEServers[idx] = webrtc.ICEServer{
			URLs:       iceServer.URLs,
			Username:   iceServer.Username,
			Credential: iceServer.Credential,
		}
	}
	return f, nil
}

func (f *PionFactory) NewPeer() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{
		pc:     pc,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
		logger: f.logger,
	}
	go p.dispatchLoop()
	return p, nil
}

// pionPeer hands pion callbacks to a single goroutine so they run in order and
// never inside a call that is holding the machine lock.
type pionPeer struct {
	pc     *webrtc.PeerConnection
	events chan func()
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (p *pionPeer) dispatchLoop() {
	for {
		select {
		case fn := <-p.events:
			fn()
		case <-p.done:
			return
		}
	}
}

func (p *pionPeer) dispatch(fn func()) {
	select {
	case p.events <- fn:
	case <-p.done:
	}
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Drain RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		p.dispatch(func() { fn(ci) })
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("Connection state changed", zap.String("state", s.String()))
		p.dispatch(func() { fn(s) })
	})
}

func (p *pionPeer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

// StaticAudioSource hands out opus sample tracks. Capturing and writing audio
// samples is left to the embedding application.
type StaticAudioSource struct {
	StreamID string
}

func (s StaticAudioSource) Acquire(ctx context.Context) (AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return &sampleTrack{track: track}, nil
}

type sampleTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func (t *sampleTrack) Track() webrtc.TrackLocal {
	return t.track
}

// Sample exposes the underlying track for writing media samples.
func (t *sampleTrack) Sample() *webrtc.TrackLocalStaticSample {
	return t.track
}

func (t *sampleTrack) Stop() {}
