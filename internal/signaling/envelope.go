// Package signaling moves small JSON envelopes between two users through a
// shared store-and-forward relay. It is the only channel the peers have until
// WebRTC negotiation completes. Coupling to the rest of unilink is via the
// Transport interface only.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates the envelope payload.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
	TypeHangup    Type = "hangup"
)

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup:
		return true
	}
	return false
}

// Envelope is the one persisted/transmitted entity of the signaling protocol.
// The ID is assigned by the store on insert; CreatedAt is used only for
// transport ordering. A receiver must delete an envelope after handling it
// and must treat redelivery idempotently; the relay guarantees eventual
// delivery of inserts to active subscribers, not exactly-once.
type Envelope struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Type       Type            `json:"type"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ErrInvalidPayload marks an envelope whose data cannot be decoded for its
// declared type. Such envelopes are logged and discarded, never fatal.
var ErrInvalidPayload = errors.New("signaling: invalid envelope payload")

// SessionDescription is the SDP half of an offer or answer, in the same JSON
// shape browsers produce ({"type":"offer","sdp":"..."}).
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit mirrors the browser RTCIceCandidateInit dictionary so the
// two ends agree on the wire shape regardless of implementation.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Payload is the decoded envelope body. Exactly one concrete type exists per
// envelope Type; a switch over Payload is exhaustive.
type Payload interface {
	payload()
}

// OfferPayload carries the caller's session description.
type OfferPayload struct {
	Offer SessionDescription `json:"offer"`
}

// AnswerPayload carries the callee's session description.
type AnswerPayload struct {
	Answer SessionDescription `json:"answer"`
}

// CandidatePayload carries one ICE candidate.
type CandidatePayload struct {
	Candidate ICECandidateInit `json:"candidate"`
}

// HangupPayload carries the reason the call ended.
type HangupPayload struct {
	Reason string `json:"reason"`
}

func (OfferPayload) payload()     {}
func (AnswerPayload) payload()    {}
func (CandidatePayload) payload() {}
func (HangupPayload) payload()    {}

// Payload decodes the envelope data according to its type. Some stores hand
// the data back double-encoded (a JSON string containing JSON); that form is
// accepted too. Offers and answers may arrive either wrapped
// ({"offer":{...}}) or as a bare session description; both were observed on
// the wire and both are tolerated.
func (e Envelope) Payload() (Payload, error) {
	raw := e.Data
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}
		raw = json.RawMessage(s)
	}

	switch e.Type {
	case TypeOffer:
		var p OfferPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: offer: %s", ErrInvalidPayload, err)
		}
		if p.Offer.SDP == "" {
			var bare SessionDescription
			if err := json.Unmarshal(raw, &bare); err == nil && bare.SDP != "" {
				p.Offer = bare
			}
		}
		if p.Offer.SDP == "" {
			return nil, fmt.Errorf("%w: offer has no sdp", ErrInvalidPayload)
		}
		return p, nil
	case TypeAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: answer: %s", ErrInvalidPayload, err)
		}
		if p.Answer.SDP == "" {
			var bare SessionDescription
			if err := json.Unmarshal(raw, &bare); err == nil && bare.SDP != "" {
				p.Answer = bare
			}
		}
		if p.Answer.SDP == "" {
			return nil, fmt.Errorf("%w: answer has no sdp", ErrInvalidPayload)
		}
		return p, nil
	case TypeCandidate:
		var p CandidatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: candidate: %s", ErrInvalidPayload, err)
		}
		if p.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%w: empty candidate", ErrInvalidPayload)
		}
		return p, nil
	case TypeHangup:
		var p HangupPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: hangup: %s", ErrInvalidPayload, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, e.Type)
	}
}

// EncodeData marshals a payload value for the envelope data column.
func EncodeData(payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode signaling payload: %w", err)
	}
	return b, nil
}
