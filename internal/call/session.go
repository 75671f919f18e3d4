package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dqhuy/unilink/internal/media"
	"github.com/dqhuy/unilink/internal/signaling"
)

// Status is the call lifecycle position. Transitions are strictly monotonic:
// once Connected a session can only move to Ended, and Ended is final. Two
// independent signals (answer received, remote track received) can both
// legitimately drive the move to Connected; the monotonic guard makes sure
// downstream side effects fire once.
type Status int

const (
	StatusCalling Status = iota
	StatusRinging
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

const (
	sendTimeout    = 10 * time.Second
	consumeTimeout = 5 * time.Second

	// DefaultRingTimeout ends an unanswered outgoing call. Zero in
	// SessionConfig disables the timer entirely.
	DefaultRingTimeout = 45 * time.Second

	// ReasonEnded is the hangup reason for a deliberate local hangup.
	ReasonEnded = "user-ended"
	// ReasonRejected is sent when the callee declines without accepting.
	ReasonRejected = "rejected"
	// ReasonTimeout is sent when the ring timer fires.
	ReasonTimeout = "timeout"
)

// SessionConfig carries the per-deployment tunables a session needs.
type SessionConfig struct {
	STUNServers  []string
	MediaOptions media.Options
	RingTimeout  time.Duration

	// NewPeerConnection defaults to NewPionPeerConnection, Capture to
	// DefaultCapture. Tests substitute fakes.
	NewPeerConnection PeerConnectionFactory
	Capture           CaptureFunc
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.NewPeerConnection == nil {
		c.NewPeerConnection = NewPionPeerConnection
	}
	if c.Capture == nil {
		c.Capture = DefaultCapture
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	return c
}

// Session owns one call attempt between the local user and one remote user.
// It is process-local and never persisted; when the status reaches Ended all
// owned resources have been released exactly once.
type Session struct {
	ID       string
	localID  string
	remoteID string
	kind     media.Profile
	incoming bool

	sig    signaling.Transport
	cfg    SessionConfig
	events *Events

	mu           sync.Mutex
	status       Status
	pc           PeerConnection
	local        LocalMedia
	remoteTracks []RemoteTrack
	pendingOffer *signaling.Envelope
	pendingCands []signaling.Envelope
	seen         map[string]bool
	unsub        func()
	negotiating  bool
	torn         bool
	ringTimer    *time.Timer
	release      func()
}

func newSession(localID, remoteID string, kind media.Profile, incoming bool,
	sig signaling.Transport, cfg SessionConfig, events *Events, release func()) *Session {
	status := StatusCalling
	if incoming {
		status = StatusRinging
	}
	return &Session{
		ID:       uuid.NewString(),
		localID:  localID,
		remoteID: remoteID,
		kind:     kind,
		incoming: incoming,
		sig:      sig,
		cfg:      cfg.withDefaults(),
		events:   events,
		status:   status,
		seen:     make(map[string]bool),
		release:  release,
	}
}

// RemoteID returns the other participant's user ID.
func (s *Session) RemoteID() string { return s.remoteID }

// Kind returns the call kind (voice or video).
func (s *Session) Kind() media.Profile { return s.kind }

// Status returns the current lifecycle position.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// start runs the caller path: media, peer connection, offer, subscribe.
func (s *Session) start(ctx context.Context) error {
	local, err := s.cfg.Capture(s.kind, s.cfg.MediaOptions)
	if err != nil {
		s.events.error(ErrorMediaAccess, "camera/microphone unavailable")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
	s.events.localMediaReady(local)

	pc, err := s.buildPC(local)
	if err != nil {
		s.events.error(ErrorConnection, "could not create peer connection")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}

	offer, err := pc.CreateOffer(ctx)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		s.events.error(ErrorConnection, "offer negotiation failed")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}

	if _, err := s.sig.Send(ctx, s.localID, s.remoteID, signaling.TypeOffer,
		signaling.OfferPayload{Offer: offer}); err != nil {
		s.events.error(ErrorTransport, "could not reach the signaling relay")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	log.Infof("session %s: offer sent %s -> %s", s.ID, s.localID, s.remoteID)

	if err := s.subscribe(); err != nil {
		s.events.error(ErrorTransport, "could not subscribe to signaling")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}

	s.advance(StatusRinging)
	s.startRingTimer()
	return nil
}

// accept runs the callee path. The offer may already be buffered (handed over
// by the inbound listener) or still sitting in the relay from before our
// subscription went live; FetchPending closes that race.
func (s *Session) accept(ctx context.Context) error {
	local, err := s.cfg.Capture(s.kind, s.cfg.MediaOptions)
	if err != nil {
		s.events.error(ErrorMediaAccess, "camera/microphone unavailable")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
	s.events.localMediaReady(local)

	if _, err := s.buildPC(local); err != nil {
		s.events.error(ErrorConnection, "could not create peer connection")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}

	if err := s.subscribe(); err != nil {
		s.events.error(ErrorTransport, "could not subscribe to signaling")
		s.end()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}

	s.mu.Lock()
	buffered := s.pendingOffer
	s.pendingOffer = nil
	s.mu.Unlock()

	if buffered != nil {
		s.process(*buffered)
	} else if envs, err := s.sig.FetchPending(ctx, s.localID); err != nil {
		// Not fatal: the live subscription will deliver the offer.
		log.Warnf("session %s: fetch pending failed: %v", s.ID, err)
	} else {
		// FetchPending returns newest first; replay in arrival order so the
		// offer lands before any candidates that trickled after it.
		for i := len(envs) - 1; i >= 0; i-- {
			if envs[i].SenderID == s.remoteID && envs[i].ReceiverID == s.localID {
				s.process(envs[i])
			}
		}
	}

	s.drainCandidates()
	return nil
}

func (s *Session) buildPC(local LocalMedia) (PeerConnection, error) {
	pc, err := s.cfg.NewPeerConnection(s.cfg.STUNServers, local)
	if err != nil {
		return nil, err
	}
	s.wirePC(pc)
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	return pc, nil
}

func (s *Session) wirePC(pc PeerConnection) {
	pc.OnICECandidate(func(c signaling.ICECandidateInit) {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if _, err := s.sig.Send(ctx, s.localID, s.remoteID, signaling.TypeCandidate,
			signaling.CandidatePayload{Candidate: c}); err != nil {
			log.Warnf("session %s: candidate send failed: %v", s.ID, err)
		}
	})
	pc.OnTrack(func(t RemoteTrack) {
		s.mu.Lock()
		if s.torn {
			s.mu.Unlock()
			return
		}
		s.remoteTracks = append(s.remoteTracks, t)
		s.mu.Unlock()
		log.Infof("session %s: remote %s track", s.ID, t.Kind)
		s.events.remoteMediaReady(t)
		s.advance(StatusConnected)
	})
	pc.OnStateChange(func(cs ConnState) {
		log.Debugf("session %s: connection state %s", s.ID, cs)
		if cs == ConnFailed || cs == ConnDisconnected {
			if s.advance(StatusEnded) {
				s.events.error(ErrorConnection, "call ended")
			}
			s.teardown()
		}
	})
}

func (s *Session) subscribe() error {
	unsub, err := s.sig.Subscribe(s.localID, s.handleEnvelope)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	return nil
}

// advance moves the status forward and reports whether it changed. Backward
// moves and anything after Ended are rejected. This guard is what keeps the
// answer-received / track-received race from firing side effects twice.
func (s *Session) advance(to Status) bool {
	s.mu.Lock()
	if to <= s.status {
		s.mu.Unlock()
		return false
	}
	s.status = to
	s.mu.Unlock()

	log.Infof("session %s: status %s", s.ID, to)
	if to >= StatusConnected {
		s.stopRingTimer()
	}
	s.events.statusChanged(to)
	return true
}

// handleEnvelope is the subscription callback. Envelopes that are not part of
// this conversation are left in the relay for whoever they belong to.
func (s *Session) handleEnvelope(env signaling.Envelope) {
	if env.SenderID != s.remoteID || env.ReceiverID != s.localID {
		return
	}
	s.process(env)
}

func (s *Session) process(env signaling.Envelope) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	if s.seen[env.ID] {
		s.mu.Unlock()
		log.Debugf("session %s: duplicate envelope %s ignored", s.ID, env.ID)
		return
	}
	s.seen[env.ID] = true
	s.mu.Unlock()

	payload, err := env.Payload()
	if err != nil {
		log.Warnf("session %s: discarding envelope %s: %v", s.ID, env.ID, err)
		s.consume(env.ID)
		return
	}

	switch p := payload.(type) {
	case signaling.OfferPayload:
		s.handleOffer(env, p)
	case signaling.AnswerPayload:
		s.handleAnswer(env, p)
	case signaling.CandidatePayload:
		s.handleCandidate(env, p)
	case signaling.HangupPayload:
		s.handleHangup(env, p)
	}
}

func (s *Session) handleOffer(env signaling.Envelope, p signaling.OfferPayload) {
	s.mu.Lock()
	if s.status >= StatusConnected {
		s.mu.Unlock()
		log.Debugf("session %s: late offer ignored", s.ID)
		s.consume(env.ID)
		return
	}
	if s.pc == nil {
		// Callee that has not finished accepting yet: hold exactly one offer
		// until the peer connection exists. Unmark it so the buffered copy
		// goes through process() exactly once when accept drains it.
		if s.pendingOffer == nil {
			e := env
			s.pendingOffer = &e
			log.Infof("session %s: buffered offer until accept", s.ID)
		}
		delete(s.seen, env.ID)
		s.mu.Unlock()
		return
	}
	if s.negotiating {
		delete(s.seen, env.ID)
		s.mu.Unlock()
		log.Warnf("session %s: offer while negotiation in flight, dropped", s.ID)
		return
	}

	if !s.incoming {
		// Glare: both sides sent an offer. The lexicographically lower user
		// ID keeps its own offer; the other side abandons its attempt and
		// answers instead.
		if s.localID < s.remoteID {
			s.mu.Unlock()
			log.Infof("session %s: glare, keeping our offer", s.ID)
			s.consume(env.ID)
			return
		}
		log.Infof("session %s: glare, yielding to remote offer", s.ID)
		old := s.pc
		s.pc = nil
		local := s.local
		s.mu.Unlock()

		old.ClearCallbacks()
		old.Close()
		if _, err := s.buildPC(local); err != nil {
			s.events.error(ErrorConnection, "could not renegotiate")
			s.end()
			return
		}
		s.mu.Lock()
	}
	s.negotiating = true
	pc := s.pc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.negotiating = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := pc.SetRemoteDescription(p.Offer); err != nil {
		log.Errorf("session %s: apply offer: %v", s.ID, err)
		s.events.error(ErrorConnection, "call ended")
		s.end()
		return
	}
	answer, err := pc.CreateAnswer(ctx)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		log.Errorf("session %s: create answer: %v", s.ID, err)
		s.events.error(ErrorConnection, "call ended")
		s.end()
		return
	}
	if _, err := s.sig.Send(ctx, s.localID, s.remoteID, signaling.TypeAnswer,
		signaling.AnswerPayload{Answer: answer}); err != nil {
		// An unsendable answer is fatal to the attempt.
		log.Errorf("session %s: send answer: %v", s.ID, err)
		s.events.error(ErrorTransport, "could not reach the signaling relay")
		s.end()
		return
	}
	log.Infof("session %s: answer sent", s.ID)
	s.advance(StatusConnected)
	s.consume(env.ID)
}

func (s *Session) handleAnswer(env signaling.Envelope, p signaling.AnswerPayload) {
	s.mu.Lock()
	if s.pc == nil || s.incoming {
		s.mu.Unlock()
		log.Debugf("session %s: unexpected answer ignored", s.ID)
		s.consume(env.ID)
		return
	}
	if s.status >= StatusConnected {
		s.mu.Unlock()
		log.Debugf("session %s: late answer ignored", s.ID)
		s.consume(env.ID)
		return
	}
	if s.negotiating {
		delete(s.seen, env.ID)
		s.mu.Unlock()
		return
	}
	s.negotiating = true
	pc := s.pc
	s.mu.Unlock()

	err := pc.SetRemoteDescription(p.Answer)
	s.mu.Lock()
	s.negotiating = false
	s.mu.Unlock()

	if err != nil {
		log.Errorf("session %s: apply answer: %v", s.ID, err)
		s.events.error(ErrorConnection, "call ended")
		s.end()
		return
	}
	s.advance(StatusConnected)
	s.consume(env.ID)
}

func (s *Session) handleCandidate(env signaling.Envelope, p signaling.CandidatePayload) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil {
		// Candidates outrunning accept; replayed by drainCandidates.
		s.pendingCands = append(s.pendingCands, env)
		delete(s.seen, env.ID)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := pc.AddICECandidate(p.Candidate); err != nil {
		log.Warnf("session %s: add candidate: %v", s.ID, err)
	}
	s.consume(env.ID)
}

func (s *Session) drainCandidates() {
	s.mu.Lock()
	queued := s.pendingCands
	s.pendingCands = nil
	s.mu.Unlock()
	for _, env := range queued {
		s.process(env)
	}
}

func (s *Session) handleHangup(env signaling.Envelope, p signaling.HangupPayload) {
	log.Infof("session %s: hangup received (%s)", s.ID, p.Reason)
	s.advance(StatusEnded)
	s.teardown()
	s.consume(env.ID)
}

// Hangup ends the call locally. The hangup envelope is best-effort: the call
// is ending either way, so a send failure is logged, not surfaced. Idempotent.
func (s *Session) Hangup(reason string) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if reason == "" {
		reason = ReasonEnded
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := s.sig.Send(ctx, s.localID, s.remoteID, signaling.TypeHangup,
		signaling.HangupPayload{Reason: reason}); err != nil {
		log.Warnf("session %s: hangup send failed: %v", s.ID, err)
	} else {
		log.Infof("session %s: hangup sent (%s)", s.ID, reason)
	}

	s.advance(StatusEnded)
	s.teardown()
}

// SetMuted toggles the local microphone. Returns the new muted state.
func (s *Session) SetMuted(muted bool) bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return muted
	}
	return local.SetAudioEnabled(!muted)
}

// SetVideoOff toggles the local camera. Returns the new disabled state.
func (s *Session) SetVideoOff(off bool) bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return off
	}
	return local.SetVideoEnabled(!off)
}

// end forces the session to Ended and tears it down. Used on local fatal
// errors where no hangup is owed to the remote side.
func (s *Session) end() {
	s.advance(StatusEnded)
	s.teardown()
}

// teardown releases everything the session owns, in order, exactly once.
// Safe on a partially initialized session and on one already torn down.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	unsub := s.unsub
	pc := s.pc
	local := s.local
	timer := s.ringTimer
	release := s.release
	s.unsub, s.pc, s.local, s.ringTimer, s.release = nil, nil, nil, nil, nil
	s.remoteTracks = nil
	s.pendingOffer = nil
	s.pendingCands = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	// Signaling first so no envelope re-enters a dying session.
	if unsub != nil {
		unsub()
	}
	// Silence the connection before closing it so no callback fires
	// mid-teardown.
	if pc != nil {
		pc.ClearCallbacks()
		pc.Close()
	}
	if local != nil {
		local.Close()
	}
	// Remote tracks belong to the closed connection; their handles were
	// dropped above. Last, free the in-call guard so a new call can start.
	if release != nil {
		release()
	}
	log.Infof("session %s: teardown complete", s.ID)
}

func (s *Session) startRingTimer() {
	d := s.cfg.RingTimeout
	if d <= 0 {
		return
	}
	s.mu.Lock()
	if s.torn || s.status >= StatusConnected {
		s.mu.Unlock()
		return
	}
	s.ringTimer = time.AfterFunc(d, func() {
		if s.Status() >= StatusConnected {
			return
		}
		log.Infof("session %s: unanswered after %s", s.ID, d)
		s.Hangup(ReasonTimeout)
	})
	s.mu.Unlock()
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	timer := s.ringTimer
	s.ringTimer = nil
	s.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// consume deletes a handled envelope so the relay does not redeliver it.
func (s *Session) consume(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), consumeTimeout)
	defer cancel()
	if err := s.sig.Delete(ctx, id); err != nil {
		log.Warnf("session %s: delete envelope %s: %v", s.ID, id, err)
	}
}
