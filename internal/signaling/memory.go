package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Transport: envelopes live in a map until deleted
// and every active listener for the receiver gets its own copy on insert.
// It backs tests and same-process demos; both ends of a call can share one
// instance the way they would share one relay.
type Memory struct {
	mu        sync.Mutex
	stored    map[string]Envelope
	listeners map[string]map[int]func(Envelope) // userID → token → fn
	nextToken int
}

// NewMemory creates an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{
		stored:    make(map[string]Envelope),
		listeners: make(map[string]map[int]func(Envelope)),
	}
}

func (m *Memory) Send(_ context.Context, senderID, receiverID string, t Type, payload any) (string, error) {
	data, err := EncodeData(payload)
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	env := Envelope{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       t,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.stored[env.ID] = env
	var fns []func(Envelope)
	for _, fn := range m.listeners[receiverID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
	return env.ID, nil
}

func (m *Memory) Subscribe(userID string, fn func(Envelope)) (func(), error) {
	m.mu.Lock()
	if m.listeners[userID] == nil {
		m.listeners[userID] = make(map[int]func(Envelope))
	}
	token := m.nextToken
	m.nextToken++
	m.listeners[userID][token] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners[userID], token)
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) FetchPending(_ context.Context, userID string) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Envelope
	for _, env := range m.stored {
		if env.ReceiverID == userID {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.stored, id)
	m.mu.Unlock()
	return nil
}

// Stored returns the number of envelopes not yet deleted. Used by tests to
// check the consumption discipline.
func (m *Memory) Stored() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stored)
}
