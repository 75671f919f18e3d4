package relay

import (
	"sync"
	"time"

	"github.com/dqhuy/unilink/internal/signaling"
)

// recentRing keeps a fixed window of recently relayed envelope metadata for
// the /api/status page. Payloads are not retained; SDP bodies are large and
// of no diagnostic value here.
type recentRing struct {
	mu    sync.Mutex
	buf   []recentEntry
	head  int
	count int
}

type recentEntry struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}

func newRecentRing(capacity int) *recentRing {
	return &recentRing{buf: make([]recentEntry, capacity)}
}

func (r *recentRing) push(env signaling.Envelope) {
	e := recentEntry{
		ID:         env.ID,
		SenderID:   env.SenderID,
		ReceiverID: env.ReceiverID,
		Type:       string(env.Type),
		CreatedAt:  env.CreatedAt,
	}
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = e
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// snapshot returns the retained entries, oldest first.
func (r *recentRing) snapshot() []recentEntry {
	r.mu.Lock()
	out := make([]recentEntry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.Unlock()
	return out
}
