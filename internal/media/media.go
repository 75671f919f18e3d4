// Package media acquires the local camera and microphone for a call. Capture
// runs through pion/mediadevices where platform drivers exist (see
// capture_linux.go); elsewhere calls proceed receive-only. The returned
// Stream is exclusively owned by one call session and released on teardown.
package media

import (
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Profile selects the constraint set for capture.
type Profile string

const (
	// Voice requests audio only.
	Voice Profile = "voice"
	// Video requests audio plus video.
	Video Profile = "video"
)

// Options are capture tunables, not a contract. Zero values fall back to the
// defaults below.
type Options struct {
	Width  int // ideal video width, default 1280
	Height int // ideal video height, default 720
}

const (
	defaultWidth  = 1280
	defaultHeight = 720
)

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = defaultWidth
	}
	if o.Height <= 0 {
		o.Height = defaultHeight
	}
	return o
}

// ErrAccessDenied means capture failed outright: permission refused or no
// usable device. Terminal for the call attempt; never retried automatically.
var ErrAccessDenied = errors.New("media: camera/microphone unavailable")

// Stream owns the captured local tracks for one call session.
type Stream struct {
	tracks   []webrtc.TrackLocal
	populate func(*webrtc.MediaEngine) error
	stop     []func()

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	closed  bool
}

func newStream(tracks []webrtc.TrackLocal, populate func(*webrtc.MediaEngine) error, stop []func()) *Stream {
	return &Stream{
		tracks:   tracks,
		populate: populate,
		stop:     stop,
		audioOn:  true,
		videoOn:  true,
	}
}

// Tracks returns the captured local tracks. Empty for a receive-only stream.
func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

// PopulateEngine registers the codecs this stream's tracks encode with. The
// peer connection for the call must be built from an engine populated here.
func (s *Stream) PopulateEngine(me *webrtc.MediaEngine) error {
	if s.populate == nil {
		return me.RegisterDefaultCodecs()
	}
	return s.populate(me)
}

// SetAudioEnabled flips the local microphone flag. Returns the new muted
// state. The toggle is advisory: the capture pipeline keeps running and the
// track keeps transmitting; callers surface the flag to the user and to the
// remote side out of band.
func (s *Stream) SetAudioEnabled(on bool) (muted bool) {
	s.mu.Lock()
	s.audioOn = on
	muted = !s.audioOn
	s.mu.Unlock()
	log.Debugf("local audio muted=%v", muted)
	return muted
}

// SetVideoEnabled flips the local camera flag. Returns the new disabled
// state. Advisory, same as SetAudioEnabled.
func (s *Stream) SetVideoEnabled(on bool) (disabled bool) {
	s.mu.Lock()
	s.videoOn = on
	disabled = !s.videoOn
	s.mu.Unlock()
	log.Debugf("local video disabled=%v", disabled)
	return disabled
}

// Close stops and releases every captured track. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	for _, fn := range stop {
		fn()
	}
	log.Debugf("local media released (%d tracks)", len(s.tracks))
}
