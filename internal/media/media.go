// Package media defines the boundary to the external SDP/ICE engine and
// local capture hardware. The call core treats descriptions and candidates
// as opaque; any WebRTC-compliant implementation can sit behind these
// interfaces.
package media

import (
	"context"

	"callbridge-backend/internal/domain"
)

// TrackKind distinguishes audio from video tracks
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Constraints selects which capture kinds to acquire
type Constraints struct {
	Audio bool
	Video bool
}

// ConnectionState mirrors the underlying peer connection's lifecycle
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

// IsFailure reports whether the state is a terminal connectivity loss
func (s ConnectionState) IsFailure() bool {
	return s == ConnectionDisconnected || s == ConnectionFailed
}

// Track is one local or remote media track
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Stream is a set of locally-acquired tracks with a common lifecycle
type Stream interface {
	Tracks() []Track
	TracksOfKind(kind TrackKind) []Track
	Stop()
}

// Sender is an outbound track slot on a peer connection. Replacing its track
// does not alter signaling state.
type Sender interface {
	Kind() TrackKind
	ReplaceTrack(t Track) error
}

// PeerConnection is one media-engine connection handle
type PeerConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	AddTrack(t Track) (Sender, error)
	Senders() []Sender
	OnICECandidate(fn func(domain.ICECandidate))
	OnTrack(fn func(Track))
	OnConnectionStateChange(fn func(ConnectionState))
	// Close is idempotent and safe to call multiple times
	Close() error
}

// Engine creates peer connections and acquires local capture media.
// AcquireMedia fails with a PermissionDenied error when the hardware is
// unavailable or access is refused.
type Engine interface {
	AcquireMedia(ctx context.Context, constraints Constraints) (Stream, error)
	NewPeerConnection(iceServers []string) (PeerConnection, error)
}
