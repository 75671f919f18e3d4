package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dqhuy/unilink/internal/media"
	"github.com/dqhuy/unilink/internal/signaling"
)

const (
	voiceSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"
	videoSDP = voiceSDP + "m=video 9 UDP/TLS/RTP/SAVPF 96\r\n"
)

type fakeMedia struct {
	mu      sync.Mutex
	closed  int
	audioOn bool
	videoOn bool
}

func newFakeMedia() *fakeMedia { return &fakeMedia{audioOn: true, videoOn: true} }

func (f *fakeMedia) Tracks() []webrtc.TrackLocal              { return nil }
func (f *fakeMedia) PopulateEngine(*webrtc.MediaEngine) error { return nil }

func (f *fakeMedia) SetAudioEnabled(on bool) (muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioOn = on
	return !f.audioOn
}

func (f *fakeMedia) SetVideoEnabled(on bool) (disabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoOn = on
	return !f.videoOn
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeMedia) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakePC struct {
	offerSDP string

	mu        sync.Mutex
	localSD   *signaling.SessionDescription
	remoteSD  *signaling.SessionDescription
	queued    []signaling.ICECandidateInit
	applied   []signaling.ICECandidateInit
	onCand    func(signaling.ICECandidateInit)
	onTrack   func(RemoteTrack)
	onState   func(ConnState)
	closes    int
	failSetRD error
}

func newFakePC(offerSDP string) *fakePC { return &fakePC{offerSDP: offerSDP} }

func (f *fakePC) CreateOffer(context.Context) (signaling.SessionDescription, error) {
	return signaling.SessionDescription{Type: "offer", SDP: f.offerSDP}, nil
}

func (f *fakePC) CreateAnswer(context.Context) (signaling.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteSD == nil {
		return signaling.SessionDescription{}, errors.New("no remote description")
	}
	return signaling.SessionDescription{Type: "answer", SDP: voiceSDP}, nil
}

func (f *fakePC) SetLocalDescription(sd signaling.SessionDescription) error {
	f.mu.Lock()
	f.localSD = &sd
	f.mu.Unlock()
	return nil
}

func (f *fakePC) SetRemoteDescription(sd signaling.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRD != nil {
		return f.failSetRD
	}
	f.remoteSD = &sd
	f.applied = append(f.applied, f.queued...)
	f.queued = nil
	return nil
}

func (f *fakePC) AddICECandidate(c signaling.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteSD == nil {
		f.queued = append(f.queued, c)
	} else {
		f.applied = append(f.applied, c)
	}
	return nil
}

func (f *fakePC) OnICECandidate(fn func(signaling.ICECandidateInit)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakePC) OnTrack(fn func(RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakePC) OnStateChange(fn func(ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePC) ClearCallbacks() {
	f.mu.Lock()
	f.onCand, f.onTrack, f.onState = nil, nil, nil
	f.mu.Unlock()
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakePC) fireTrack(t RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (f *fakePC) fireState(s ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakePC) fireCandidate(c signaling.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakePC) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakePC) appliedCandidates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fixture collects the fakes a test's sessions create so assertions can
// reach them afterwards.
type fixture struct {
	mu    sync.Mutex
	pcs   []*fakePC
	media []*fakeMedia

	offerSDP   string
	captureErr error
}

func newFixture() *fixture { return &fixture{offerSDP: voiceSDP} }

func (x *fixture) config() SessionConfig {
	return SessionConfig{
		STUNServers: []string{"stun:stun.example.org:3478"},
		NewPeerConnection: func(_ []string, _ LocalMedia) (PeerConnection, error) {
			pc := newFakePC(x.offerSDP)
			x.mu.Lock()
			x.pcs = append(x.pcs, pc)
			x.mu.Unlock()
			return pc, nil
		},
		Capture: func(media.Profile, media.Options) (LocalMedia, error) {
			if x.captureErr != nil {
				return nil, x.captureErr
			}
			m := newFakeMedia()
			x.mu.Lock()
			x.media = append(x.media, m)
			x.mu.Unlock()
			return m, nil
		},
	}
}

func (x *fixture) pc(i int) *fakePC {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pcs[i]
}

func (x *fixture) pcCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pcs)
}

func (x *fixture) lastMedia() *fakeMedia {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.media[len(x.media)-1]
}

// statusRecorder captures status transitions in order.
type statusRecorder struct {
	mu      sync.Mutex
	history []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	r.history = append(r.history, s)
	r.mu.Unlock()
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.history))
	copy(out, r.history)
	return out
}
