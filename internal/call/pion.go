package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/events"
)

// PionConfig configures WebRTC peer connections.
type PionConfig struct {
	STUNServers []string
	Logger      *logrus.Logger
}

// NewPionFactory returns a MediaFactory backed by pion/webrtc with one
// send/receive opus audio track per session.
func NewPionFactory(cfg PionConfig) MediaFactory {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return func(ctx context.Context) (MediaSession, error) {
		return newPionSession(cfg)
	}
}

type pionSession struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger *logrus.Logger

	mu      sync.Mutex
	onICE   func(events.Candidate)
	onState func(MediaState)
	last    MediaState
}

func newPionSession(cfg PionConfig) (*pionSession, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "chatcore",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	s := &pionSession{pc: pc, track: track, logger: cfg.Logger, last: MediaNegotiating}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.mu.Lock()
		fn := s.onICE
		s.mu.Unlock()
		if fn != nil {
			fn(events.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})
	// Either callback may be first to report a live path.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			s.report(MediaConnected)
		case webrtc.ICEConnectionStateDisconnected:
			s.report(MediaDisconnected)
		case webrtc.ICEConnectionStateFailed:
			s.report(MediaFailed)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.report(MediaConnected)
		case webrtc.PeerConnectionStateDisconnected:
			s.report(MediaDisconnected)
		case webrtc.PeerConnectionStateFailed:
			s.report(MediaFailed)
		}
	})
	return s, nil
}

// report forwards state changes, collapsing repeats from the two callbacks.
func (s *pionSession) report(state MediaState) {
	s.mu.Lock()
	if s.last == state {
		s.mu.Unlock()
		return
	}
	s.last = state
	fn := s.onState
	s.mu.Unlock()
	s.logger.WithField("media", state).Debug("media state changed")
	if fn != nil {
		fn(state)
	}
}

func (s *pionSession) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (s *pionSession) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (s *pionSession) SetAnswer(answer string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (s *pionSession) AddICECandidate(c events.Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (s *pionSession) OnICECandidate(fn func(events.Candidate)) {
	s.mu.Lock()
	s.onICE = fn
	s.mu.Unlock()
}

func (s *pionSession) OnStateChange(fn func(MediaState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *pionSession) Close() error {
	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
