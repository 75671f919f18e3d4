package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dqhuy/unilink/internal/signaling"
)

func startTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer("127.0.0.1:0", apiKey, NewMemStore())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	return srv
}

func TestRelayEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := startTestServer(t, "")
	client := signaling.NewRelayClient(srv.URL(), "")

	received := make(chan signaling.Envelope, 8)
	cancelSub, err := client.Subscribe("bob", func(env signaling.Envelope) { received <- env })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelSub()
	// Give the websocket a moment to attach before the insert.
	waitForSubscriber(t, srv, "bob")

	id, err := client.Send(ctx, "alice", "bob", signaling.TypeOffer,
		signaling.OfferPayload{Offer: signaling.SessionDescription{Type: "offer", SDP: "v=0"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("send returned empty id")
	}

	select {
	case env := <-received:
		if env.ID != id || env.Type != signaling.TypeOffer || env.SenderID != "alice" {
			t.Fatalf("pushed envelope = %+v, want offer %s from alice", env, id)
		}
		p, err := env.Payload()
		if err != nil {
			t.Fatalf("payload survived the round trip badly: %v", err)
		}
		if p.(signaling.OfferPayload).Offer.SDP != "v=0" {
			t.Fatal("sdp mangled in transit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never received the envelope")
	}

	// Store-and-forward: the envelope is still fetchable until deleted.
	envs, err := client.FetchPending(ctx, "bob")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(envs) != 1 || envs[0].ID != id {
		t.Fatalf("pending = %+v, want the stored offer", envs)
	}

	if err := client.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting twice is fine; the relay treats missing ids as already gone.
	if err := client.Delete(ctx, id); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	envs, err = client.FetchPending(ctx, "bob")
	if err != nil {
		t.Fatalf("fetch after delete: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("pending after delete = %d, want 0", len(envs))
	}
}

func TestRelayRequiresAPIKey(t *testing.T) {
	ctx := context.Background()
	srv := startTestServer(t, "sekrit")

	anon := signaling.NewRelayClient(srv.URL(), "")
	if _, err := anon.Send(ctx, "alice", "bob", signaling.TypeHangup,
		signaling.HangupPayload{Reason: "user-ended"}); err == nil {
		t.Fatal("unauthenticated send accepted")
	}
	var terr *signaling.TransportError
	_, err := anon.FetchPending(ctx, "bob")
	if !errors.As(err, &terr) {
		t.Fatalf("fetch err = %v, want TransportError", err)
	}

	authed := signaling.NewRelayClient(srv.URL(), "sekrit")
	if _, err := authed.Send(ctx, "alice", "bob", signaling.TypeHangup,
		signaling.HangupPayload{Reason: "user-ended"}); err != nil {
		t.Fatalf("authenticated send: %v", err)
	}
}

func TestRelayRejectsMalformedInserts(t *testing.T) {
	ctx := context.Background()
	srv := startTestServer(t, "")
	client := signaling.NewRelayClient(srv.URL(), "")

	if _, err := client.Send(ctx, "", "bob", signaling.TypeOffer,
		signaling.OfferPayload{}); err == nil {
		t.Fatal("insert without sender accepted")
	}
	if _, err := client.Send(ctx, "alice", "bob", signaling.Type("renegotiate"),
		signaling.HangupPayload{}); err == nil {
		t.Fatal("insert with unknown type accepted")
	}
}

func TestHubDropsOnlyStalledSubscribers(t *testing.T) {
	h := newHub()
	fast := h.subscribe("bob")
	defer h.unsubscribe(fast)
	stalled := h.subscribe("bob")
	defer h.unsubscribe(stalled)

	// Fill the stalled subscriber's buffer; further publishes must not block
	// and must keep reaching the healthy one.
	for i := 0; i < cap(stalled.ch)+8; i++ {
		h.publish(signaling.Envelope{ID: "e", ReceiverID: "bob"})
		<-fast.ch
	}
	if got := h.subscriberCount("bob"); got < 1 {
		t.Fatalf("subscriber count = %d, want at least the healthy one", got)
	}
}

func waitForSubscriber(t *testing.T, srv *Server, userID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.hub.subscriberCount(userID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
