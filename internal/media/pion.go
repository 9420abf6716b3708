package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// CaptureFunc acquires local capture tracks. Concrete deployments plug in a
// platform capture backend (e.g. a mediadevices-based source); the returned
// tracks must be LocalTracks so they can be attached to Pion connections.
type CaptureFunc func(ctx context.Context, constraints Constraints) (Stream, error)

// PionEngine implements Engine on pion/webrtc
type PionEngine struct {
	capture CaptureFunc
}

// NewPionEngine creates a Pion-backed media engine. capture may be nil for
// receive-only deployments; AcquireMedia then fails with PermissionDenied.
func NewPionEngine(capture CaptureFunc) *PionEngine {
	return &PionEngine{capture: capture}
}

// AcquireMedia implements Engine
func (e *PionEngine) AcquireMedia(ctx context.Context, constraints Constraints) (Stream, error) {
	if e.capture == nil {
		return nil, apperrors.NewPermissionDenied("no capture source configured", nil)
	}
	stream, err := e.capture(ctx, constraints)
	if err != nil {
		return nil, apperrors.NewPermissionDenied("capture source unavailable", err)
	}
	return stream, nil
}

// NewPeerConnection implements Engine
func (e *PionEngine) NewPeerConnection(iceServers []string) (PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

// LocalTrack wraps a Pion local track so it satisfies Track. SetEnabled
// gates the sample writer rather than touching signaling state.
type LocalTrack struct {
	id      string
	kind    TrackKind
	local   webrtc.TrackLocal
	enabled atomic.Bool
	onStop  func()
}

// NewLocalTrack wraps local as an enabled track of the given kind. onStop,
// if non-nil, releases the capture source when the track is stopped.
func NewLocalTrack(id string, kind TrackKind, local webrtc.TrackLocal, onStop func()) *LocalTrack {
	t := &LocalTrack{id: id, kind: kind, local: local, onStop: onStop}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string      { return t.id }
func (t *LocalTrack) Kind() TrackKind { return t.kind }
func (t *LocalTrack) Enabled() bool   { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(e bool) {
	t.enabled.Store(e)
}

// Stop releases the underlying capture source
func (t *LocalTrack) Stop() {
	if t.onStop != nil {
		t.onStop()
	}
}

// Underlying exposes the wrapped Pion track for capture writers
func (t *LocalTrack) Underlying() webrtc.TrackLocal { return t.local }

// LocalStream is a Stream over LocalTracks
type LocalStream struct {
	tracks []Track
	once   sync.Once
}

// NewLocalStream groups tracks into one stream
func NewLocalStream(tracks ...Track) *LocalStream {
	return &LocalStream{tracks: tracks}
}

func (s *LocalStream) Tracks() []Track { return s.tracks }

func (s *LocalStream) TracksOfKind(kind TrackKind) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track exactly once
func (s *LocalStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// remoteTrack wraps an inbound Pion track
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (t *remoteTrack) Enabled() bool   { return true }
func (t *remoteTrack) SetEnabled(bool) {}
func (t *remoteTrack) Stop()           {}

// pionConn adapts *webrtc.PeerConnection to PeerConnection
type pionConn struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

func (c *pionConn) CreateOffer(_ context.Context) (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPionDescription(offer), nil
}

func (c *pionConn) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPionDescription(answer), nil
}

func (c *pionConn) SetLocalDescription(desc domain.SessionDescription) error {
	return c.pc.SetLocalDescription(toPionDescription(desc))
}

func (c *pionConn) SetRemoteDescription(desc domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionDescription(desc))
}

func (c *pionConn) AddICECandidate(candidate domain.ICECandidate) error {
	mid := candidate.SDPMid
	index := candidate.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
}

func (c *pionConn) AddTrack(t Track) (Sender, error) {
	local, ok := t.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not a pion local track", t.ID())
	}
	sender, err := c.pc.AddTrack(local.Underlying())
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	return &pionSender{sender: sender, kind: t.Kind()}, nil
}

func (c *pionConn) Senders() []Sender {
	rtpSenders := c.pc.GetSenders()
	senders := make([]Sender, 0, len(rtpSenders))
	for _, s := range rtpSenders {
		kind := KindAudio
		if track := s.Track(); track != nil && track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		senders = append(senders, &pionSender{sender: s, kind: kind})
	}
	return senders
}

func (c *pionConn) OnICECandidate(fn func(domain.ICECandidate)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end-of-candidates marker
		}
		init := candidate.ToJSON()
		out := domain.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func (c *pionConn) OnTrack(fn func(Track)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&remoteTrack{track: track})
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(fromPionState(state))
	})
}

// Close is idempotent
func (c *pionConn) Close() error {
	c.closeOnce.Do(func() {
		if err := c.pc.Close(); err != nil {
			logger.Warn("peer connection close failed", zap.Error(err))
			c.closeErr = err
		}
	})
	return c.closeErr
}

type pionSender struct {
	sender *webrtc.RTPSender
	kind   TrackKind
}

func (s *pionSender) Kind() TrackKind { return s.kind }

func (s *pionSender) ReplaceTrack(t Track) error {
	local, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("track %s is not a pion local track", t.ID())
	}
	return s.sender.ReplaceTrack(local.Underlying())
}

func fromPionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPionDescription(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromPionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}
