package signaling

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPayloadDecode(t *testing.T) {
	t.Run("wrapped offer", func(t *testing.T) {
		env := Envelope{Type: TypeOffer, Data: json.RawMessage(`{"offer":{"type":"offer","sdp":"v=0"}}`)}
		p, err := env.Payload()
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got := p.(OfferPayload).Offer.SDP; got != "v=0" {
			t.Fatalf("sdp = %q, want v=0", got)
		}
	})

	t.Run("bare session description offer", func(t *testing.T) {
		env := Envelope{Type: TypeOffer, Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}
		p, err := env.Payload()
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got := p.(OfferPayload).Offer.SDP; got != "v=0" {
			t.Fatalf("sdp = %q, want v=0", got)
		}
	})

	t.Run("double-encoded answer", func(t *testing.T) {
		// Some stores return the data column as a JSON string of JSON.
		inner := `{"answer":{"type":"answer","sdp":"v=0"}}`
		quoted, _ := json.Marshal(inner)
		env := Envelope{Type: TypeAnswer, Data: quoted}
		p, err := env.Payload()
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got := p.(AnswerPayload).Answer.SDP; got != "v=0" {
			t.Fatalf("sdp = %q, want v=0", got)
		}
	})

	t.Run("candidate with mid", func(t *testing.T) {
		env := Envelope{Type: TypeCandidate,
			Data: json.RawMessage(`{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host","sdpMid":"0","sdpMLineIndex":0}}`)}
		p, err := env.Payload()
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		c := p.(CandidatePayload).Candidate
		if c.SDPMid == nil || *c.SDPMid != "0" {
			t.Fatalf("sdpMid = %v, want 0", c.SDPMid)
		}
		if c.SDPMLineIndex == nil || *c.SDPMLineIndex != 0 {
			t.Fatalf("sdpMLineIndex = %v, want 0", c.SDPMLineIndex)
		}
	})

	t.Run("hangup", func(t *testing.T) {
		env := Envelope{Type: TypeHangup, Data: json.RawMessage(`{"reason":"user-ended"}`)}
		p, err := env.Payload()
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got := p.(HangupPayload).Reason; got != "user-ended" {
			t.Fatalf("reason = %q", got)
		}
	})
}

func TestPayloadInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"unknown type", Envelope{Type: "renegotiate", Data: json.RawMessage(`{}`)}},
		{"offer without sdp", Envelope{Type: TypeOffer, Data: json.RawMessage(`{"offer":{}}`)}},
		{"mangled json", Envelope{Type: TypeAnswer, Data: json.RawMessage(`{"answer":`)}},
		{"empty candidate", Envelope{Type: TypeCandidate, Data: json.RawMessage(`{"candidate":{}}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.env.Payload(); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("err = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeOffer, TypeAnswer, TypeCandidate, TypeHangup} {
		if !typ.Valid() {
			t.Fatalf("%s should be valid", typ)
		}
	}
	if Type("renegotiate").Valid() {
		t.Fatal("unknown type reported valid")
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	data, err := EncodeData(HangupPayload{Reason: "timeout"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env := Envelope{ID: "e1", SenderID: "alice", ReceiverID: "bob", Type: TypeHangup, Data: data}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "sender_id", "receiver_id", "type", "data", "created_at"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("wire shape missing %q: %s", key, b)
		}
	}
}
