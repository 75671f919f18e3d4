// Package relay implements the store-and-forward signaling relay: a small
// HTTP/websocket server that persists envelopes and pushes inserts to active
// subscribers. The two call endpoints have no direct channel until WebRTC
// negotiation completes, so offers, answers, ICE candidates and hangups all
// flow through here.
package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dqhuy/unilink/internal/signaling"
)

// Store persists envelopes between insert and the receiver's delete.
// Implementations: memStore, sqliteStore, pgStore.
type Store interface {
	// Insert assigns an ID and creation time and persists the envelope.
	Insert(ctx context.Context, env signaling.Envelope) (signaling.Envelope, error)

	// ListByReceiver returns up to limit envelopes for the user, newest first.
	ListByReceiver(ctx context.Context, userID string, limit int) ([]signaling.Envelope, error)

	// Delete removes an envelope. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error

	Close() error
}

// memStore keeps envelopes in memory. Used by tests and throwaway relays.
type memStore struct {
	mu   sync.Mutex
	rows map[string]signaling.Envelope
}

// NewMemStore returns an in-memory Store.
func NewMemStore() Store {
	return &memStore{rows: make(map[string]signaling.Envelope)}
}

func (s *memStore) Insert(_ context.Context, env signaling.Envelope) (signaling.Envelope, error) {
	env.ID = uuid.NewString()
	env.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.rows[env.ID] = env
	s.mu.Unlock()
	return env, nil
}

func (s *memStore) ListByReceiver(_ context.Context, userID string, limit int) ([]signaling.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []signaling.Envelope
	for _, env := range s.rows {
		if env.ReceiverID == userID {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.rows, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }
