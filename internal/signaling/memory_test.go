package signaling

import (
	"context"
	"testing"
)

func TestMemoryDeliversToSubscriber(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var got []Envelope
	cancel, err := m.Subscribe("bob", func(env Envelope) { got = append(got, env) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	id, err := m.Send(ctx, "alice", "bob", TypeHangup, HangupPayload{Reason: "user-ended"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].SenderID != "alice" {
		t.Fatalf("delivered = %+v, want the sent envelope", got)
	}

	// Someone else's traffic does not reach bob.
	if _, err := m.Send(ctx, "alice", "carol", TypeHangup, HangupPayload{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("delivered = %d envelopes, want 1", len(got))
	}
}

func TestMemoryCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	count := 0
	cancel, _ := m.Subscribe("bob", func(Envelope) { count++ })
	cancel()
	cancel() // second cancel is a no-op

	if _, err := m.Send(ctx, "alice", "bob", TypeHangup, HangupPayload{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if count != 0 {
		t.Fatalf("delivered %d after cancel, want 0", count)
	}
}

func TestMemoryFetchNewestFirstAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, _ := m.Send(ctx, "alice", "bob", TypeOffer,
		OfferPayload{Offer: SessionDescription{Type: "offer", SDP: "v=0"}})
	second, _ := m.Send(ctx, "alice", "bob", TypeCandidate,
		CandidatePayload{Candidate: ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 1 typ host"}})

	envs, err := m.FetchPending(ctx, "bob")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("pending = %d, want 2", len(envs))
	}
	if envs[0].ID != second || envs[1].ID != first {
		t.Fatalf("order = [%s %s], want newest first", envs[0].ID, envs[1].ID)
	}

	if err := m.Delete(ctx, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, first); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if m.Stored() != 1 {
		t.Fatalf("stored = %d, want 1", m.Stored())
	}
}
