package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/dqhuy/unilink/internal/signaling"
)

// pionPeer implements PeerConnection on pion/webrtc/v4. It keeps its own
// queue of candidates that arrive before the remote description is set,
// because Pion rejects AddICECandidate until then.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []signaling.ICECandidateInit
	onCand    func(signaling.ICECandidateInit)
	onTrack   func(RemoteTrack)
	onState   func(ConnState)
}

// NewPionPeerConnection builds a peer connection from the captured local
// media: the media engine is populated with the codecs the local tracks
// encode with, default interceptors are registered, and generous ICE
// timeouts keep a brief network hiccup from killing the call. When the
// stream has no local tracks, recvonly transceivers are added so the SDP
// still carries valid m-lines with ICE credentials.
func NewPionPeerConnection(stun []string, local LocalMedia) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := local.PopulateEngine(mediaEngine); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range stun {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	tracks := local.Tracks()
	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warnf("AddTrack: %v", err)
		}
	}
	if len(tracks) == 0 {
		addRecvOnlyTransceivers(pc)
	}

	p := &pionPeer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onCand
		p.mu.Unlock()
		if fn != nil {
			fn(signaling.ICECandidateInit{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(RemoteTrack{Kind: tr.Kind().String(), ID: tr.ID(), Track: tr})
		}
	})
	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(mapConnState(cs))
		}
	})

	return p, nil
}

// addRecvOnlyTransceivers gives CreateOffer/CreateAnswer valid audio and
// video m-lines when there is nothing to send.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("AddTransceiver(%s): %v", kind, err)
		}
	}
}

func mapConnState(cs webrtc.PeerConnectionState) ConnState {
	switch cs {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}

func (p *pionPeer) CreateOffer(_ context.Context) (signaling.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return signaling.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(_ context.Context) (signaling.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return signaling.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(sd signaling.SessionDescription) error {
	if err := p.pc.SetLocalDescription(toPionSD(sd)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (p *pionPeer) SetRemoteDescription(sd signaling.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toPionSD(sd)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.addCandidate(c); err != nil {
			log.Warnf("queued candidate rejected: %v", err)
		}
	}
	return nil
}

func (p *pionPeer) AddICECandidate(c signaling.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.addCandidate(c)
}

func (p *pionPeer) addCandidate(c signaling.ICECandidateInit) error {
	err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *pionPeer) OnICECandidate(fn func(signaling.ICECandidateInit)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnStateChange(fn func(ConnState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPeer) ClearCallbacks() {
	p.mu.Lock()
	p.onCand = nil
	p.onTrack = nil
	p.onState = nil
	p.mu.Unlock()
}

func (p *pionPeer) Close() error { return p.pc.Close() }

func toPionSD(sd signaling.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}
