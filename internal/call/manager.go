package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dqhuy/unilink/internal/directory"
	"github.com/dqhuy/unilink/internal/media"
	"github.com/dqhuy/unilink/internal/signaling"
)

// ErrCallInProgress is returned when a call is placed or accepted while
// another call is already active or ringing. One call at a time.
var ErrCallInProgress = errors.New("call: another call is in progress")

// ErrClosed is returned after the manager has been shut down.
var ErrClosed = errors.New("call: manager closed")

const resolveTimeout = 5 * time.Second

// Hooks are the manager-level notifications, fired for calls that have no
// session yet. Session-level events go through Events instead.
type Hooks struct {
	// OnIncoming fires once per ringing inbound call. The receiver decides
	// by calling Accept or Reject on it.
	OnIncoming func(*IncomingCall)
	// OnRetract fires when a ringing inbound call is withdrawn by the
	// caller before it was accepted or rejected.
	OnRetract func(callerID string)
}

// IncomingCall is a ringing inbound call awaiting a decision. Accept and
// Reject are each valid at most once; after either, the other is a no-op.
type IncomingCall struct {
	CallerID string
	Caller   directory.Profile
	Kind     media.Profile

	offer signaling.Envelope
	m     *Manager

	mu      sync.Mutex
	decided bool
}

// Accept answers the call and returns the live session.
func (c *IncomingCall) Accept(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.decided {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	c.decided = true
	c.mu.Unlock()
	return c.m.acceptCall(ctx, c)
}

// Reject declines the call: a hangup envelope goes back to the caller and
// the offer is consumed.
func (c *IncomingCall) Reject() {
	c.mu.Lock()
	if c.decided {
		c.mu.Unlock()
		return
	}
	c.decided = true
	c.mu.Unlock()
	c.m.rejectCall(c)
}

// Manager is the always-on call endpoint for one local user: it listens for
// inbound offers, enforces the one-call-at-a-time rule, and owns the active
// session.
type Manager struct {
	localID string
	sig     signaling.Transport
	dir     directory.Resolver
	cfg     SessionConfig
	events  *Events
	hooks   Hooks

	mu      sync.Mutex
	active  *Session
	pending *IncomingCall
	unsub   func()
	closed  bool
}

// NewManager wires a manager but does not start listening; call Start.
func NewManager(localID string, sig signaling.Transport, dir directory.Resolver,
	cfg SessionConfig, events *Events, hooks Hooks) *Manager {
	if dir == nil {
		dir = directory.Static(nil)
	}
	if events == nil {
		events = &Events{}
	}
	return &Manager{
		localID: localID,
		sig:     sig,
		dir:     dir,
		cfg:     cfg.withDefaults(),
		events:  events,
		hooks:   hooks,
	}
}

// Start subscribes the inbound listener and sweeps the relay for envelopes
// that arrived while this endpoint was offline.
func (m *Manager) Start(ctx context.Context) error {
	unsub, err := m.sig.Subscribe(m.localID, m.handleEnvelope)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()

	envs, err := m.sig.FetchPending(ctx, m.localID)
	if err != nil {
		log.Warnf("listener %s: startup sweep failed: %v", m.localID, err)
		return nil
	}
	// Newest first from the relay; replay oldest first so an offer is seen
	// before the hangup that may have retracted it.
	for i := len(envs) - 1; i >= 0; i-- {
		m.handleEnvelope(envs[i])
	}
	return nil
}

// SetSessionConfig swaps the tunables used for sessions created from now
// on. A session already in flight keeps the config it was built with.
func (m *Manager) SetSessionConfig(cfg SessionConfig) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// PlaceCall starts an outgoing call to remoteID. Fails with ErrCallInProgress
// if any call is already active or ringing.
func (m *Manager) PlaceCall(ctx context.Context, remoteID string, kind media.Profile) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.active != nil || m.pending != nil {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	sess := newSession(m.localID, remoteID, kind, false, m.sig, m.cfg, m.events, m.releaseActive)
	m.active = sess
	m.mu.Unlock()

	log.Infof("placing %s call %s -> %s", kind, m.localID, remoteID)
	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close stops the listener and hangs up any active call. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsub := m.unsub
	m.unsub = nil
	active := m.active
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if pending != nil {
		pending.Reject()
	}
	if active != nil {
		active.Hangup(ReasonEnded)
	}
}

// handleEnvelope is the global listener. It only cares about offers that
// should start ringing and hangups that retract a ringing offer; everything
// for the active session is delivered on the session's own subscription.
func (m *Manager) handleEnvelope(env signaling.Envelope) {
	if env.ReceiverID != m.localID {
		return
	}
	switch env.Type {
	case signaling.TypeOffer:
		m.handleInboundOffer(env)
	case signaling.TypeHangup:
		m.handleRetraction(env)
	}
}

func (m *Manager) handleInboundOffer(env signaling.Envelope) {
	m.mu.Lock()
	if m.closed || m.active != nil || m.pending != nil {
		m.mu.Unlock()
		log.Infof("listener %s: busy, offer from %s ignored", m.localID, env.SenderID)
		return
	}
	// Reserve the slot before the (slow) profile lookup so a second offer
	// racing in cannot double-ring. The offer envelope goes on the
	// placeholder now so a retraction arriving mid-lookup can still
	// consume it.
	placeholder := &IncomingCall{CallerID: env.SenderID, offer: env, m: m}
	m.pending = placeholder
	m.mu.Unlock()

	payload, err := env.Payload()
	if err != nil {
		log.Warnf("listener %s: bad offer %s from %s: %v", m.localID, env.ID, env.SenderID, err)
		m.clearPending(placeholder)
		m.deleteEnvelope(env.ID)
		return
	}
	offer, ok := payload.(signaling.OfferPayload)
	if !ok {
		m.clearPending(placeholder)
		m.deleteEnvelope(env.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	caller, err := m.dir.Resolve(ctx, env.SenderID)
	cancel()
	if err != nil {
		// Ring anyway; the UI just shows the raw ID.
		log.Warnf("listener %s: resolve %s: %v", m.localID, env.SenderID, err)
		caller = directory.Profile{ID: env.SenderID, Name: env.SenderID}
	}

	kind := classifyKind(offer.Offer.SDP)

	m.mu.Lock()
	if m.pending != placeholder {
		// Retracted while we were resolving.
		m.mu.Unlock()
		return
	}
	placeholder.Caller = caller
	placeholder.Kind = kind
	m.mu.Unlock()

	log.Infof("listener %s: incoming %s call from %s (%s)", m.localID, kind, caller.Name, env.SenderID)
	if m.hooks.OnIncoming != nil {
		m.hooks.OnIncoming(placeholder)
	}
}

func (m *Manager) handleRetraction(env signaling.Envelope) {
	m.mu.Lock()
	pending := m.pending
	if pending == nil || pending.CallerID != env.SenderID {
		m.mu.Unlock()
		return
	}
	pending.mu.Lock()
	if pending.decided {
		pending.mu.Unlock()
		m.mu.Unlock()
		return
	}
	pending.decided = true
	pending.mu.Unlock()
	m.pending = nil
	offerID := pending.offer.ID
	m.mu.Unlock()

	log.Infof("listener %s: call from %s retracted", m.localID, env.SenderID)
	m.deleteEnvelope(env.ID)
	if offerID != "" {
		m.deleteEnvelope(offerID)
	}
	if m.hooks.OnRetract != nil {
		m.hooks.OnRetract(env.SenderID)
	}
}

func (m *Manager) acceptCall(ctx context.Context, c *IncomingCall) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	if m.pending == c {
		m.pending = nil
	}
	sess := newSession(m.localID, c.CallerID, c.Kind, true, m.sig, m.cfg, m.events, m.releaseActive)
	offer := c.offer
	sess.pendingOffer = &offer
	m.active = sess
	m.mu.Unlock()

	log.Infof("accepting %s call from %s", c.Kind, c.CallerID)
	if err := sess.accept(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) rejectCall(c *IncomingCall) {
	m.mu.Lock()
	if m.pending == c {
		m.pending = nil
	}
	m.mu.Unlock()

	log.Infof("rejecting call from %s", c.CallerID)
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := m.sig.Send(ctx, m.localID, c.CallerID, signaling.TypeHangup,
		signaling.HangupPayload{Reason: ReasonRejected}); err != nil {
		log.Warnf("reject send to %s failed: %v", c.CallerID, err)
	}
	if c.offer.ID != "" {
		m.deleteEnvelope(c.offer.ID)
	}
}

func (m *Manager) clearPending(c *IncomingCall) {
	m.mu.Lock()
	if m.pending == c {
		m.pending = nil
	}
	m.mu.Unlock()
}

func (m *Manager) releaseActive() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
}

func (m *Manager) deleteEnvelope(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), consumeTimeout)
	defer cancel()
	if err := m.sig.Delete(ctx, id); err != nil {
		log.Warnf("delete envelope %s: %v", id, err)
	}
}

// classifyKind tells a video offer from a voice one by the presence of a
// video media section in the SDP.
func classifyKind(sdp string) media.Profile {
	if strings.Contains(sdp, "m=video") {
		return media.Video
	}
	return media.Voice
}
