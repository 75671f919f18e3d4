// Package call owns the call session lifecycle: the per-call state machine,
// the process-wide inbound listener, and the teardown discipline. It talks to
// the relay through signaling.Transport and to WebRTC through the
// PeerConnection interface, so everything above Pion is testable in-process.
package call

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/dqhuy/unilink/internal/media"
	"github.com/dqhuy/unilink/internal/signaling"
)

var log = logging.Logger("call")

// LocalMedia is what a session needs from captured local media.
// *media.Stream satisfies it; tests substitute fakes.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	PopulateEngine(*webrtc.MediaEngine) error
	SetAudioEnabled(on bool) (muted bool)
	SetVideoEnabled(on bool) (disabled bool)
	Close()
}

// CaptureFunc acquires local media for a profile.
type CaptureFunc func(media.Profile, media.Options) (LocalMedia, error)

// DefaultCapture adapts media.Capture to CaptureFunc.
func DefaultCapture(profile media.Profile, opts media.Options) (LocalMedia, error) {
	s, err := media.Capture(profile, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ConnState is the subset of peer connection states the session cares about.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack is a handle to media received from the remote peer. Track is
// the underlying Pion track for rendering; nil under test fakes.
type RemoteTrack struct {
	Kind  string // "audio" or "video"
	ID    string
	Track *webrtc.TrackRemote
}

// PeerConnection wraps the platform peer-to-peer negotiation primitive.
// Candidates added before the remote description is set must be queued by the
// implementation, not dropped. Callbacks must be clearable so teardown can
// silence a closing connection before Close.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	CreateAnswer(ctx context.Context) (signaling.SessionDescription, error)
	SetLocalDescription(sd signaling.SessionDescription) error
	SetRemoteDescription(sd signaling.SessionDescription) error
	AddICECandidate(c signaling.ICECandidateInit) error

	OnICECandidate(fn func(signaling.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(ConnState))
	ClearCallbacks()

	Close() error
}

// PeerConnectionFactory builds a PeerConnection with the local tracks
// attached. stun is the fixed STUN server list; there is no TURN fallback.
type PeerConnectionFactory func(stun []string, local LocalMedia) (PeerConnection, error)
