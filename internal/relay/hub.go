package relay

import (
	"sync"

	"github.com/dqhuy/unilink/internal/signaling"
)

// hub fans newly inserted envelopes out to the active subscribers of their
// receiver. Each subscriber owns a buffered channel; one that stops draining
// is dropped rather than allowed to stall the others.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // receiverID → set
}

type subscriber struct {
	receiverID string
	ch         chan signaling.Envelope
}

const subscriberBuffer = 64

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) subscribe(receiverID string) *subscriber {
	sub := &subscriber{
		receiverID: receiverID,
		ch:         make(chan signaling.Envelope, subscriberBuffer),
	}
	h.mu.Lock()
	if h.subs[receiverID] == nil {
		h.subs[receiverID] = make(map[*subscriber]struct{})
	}
	h.subs[receiverID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.receiverID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subs, sub.receiverID)
		}
	}
	h.mu.Unlock()
}

func (h *hub) publish(env signaling.Envelope) {
	h.mu.Lock()
	var dropped []*subscriber
	for sub := range h.subs[env.ReceiverID] {
		select {
		case sub.ch <- env:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		set := h.subs[sub.receiverID]
		delete(set, sub)
		close(sub.ch)
		if len(set) == 0 {
			delete(h.subs, sub.receiverID)
		}
	}
	h.mu.Unlock()

	if len(dropped) > 0 {
		log.Warnf("dropped %d stalled subscriber(s) for %s", len(dropped), env.ReceiverID)
	}
}

// subscriberCount reports active subscriptions for a receiver.
func (h *hub) subscriberCount(receiverID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[receiverID])
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()
}
