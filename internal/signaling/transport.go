package signaling

import (
	"context"
	"fmt"
)

// Transport is the contract the call layer programs against. Implementations:
// relayClient (websocket + REST against a relay server) and Memory (in-process,
// used by tests and single-process setups).
//
// Delivery contract: Subscribe is the low-latency push path; FetchPending
// exists solely to close the race where an offer lands before the callee's
// subscription is active. Multiple concurrent subscriptions for the same user
// are allowed and each receives its own copy of every new envelope.
type Transport interface {
	// Send stores an envelope addressed to receiverID and returns the ID the
	// store assigned. There is no automatic retry; the caller decides whether
	// a failure is fatal to the call attempt.
	Send(ctx context.Context, senderID, receiverID string, t Type, payload any) (string, error)

	// Subscribe registers fn for every envelope newly stored for userID.
	// The returned cancel is idempotent.
	Subscribe(userID string, fn func(Envelope)) (cancel func(), err error)

	// FetchPending returns envelopes currently stored for userID, newest first.
	FetchPending(ctx context.Context, userID string) ([]Envelope, error)

	// Delete acknowledges a handled envelope so it is not reprocessed.
	Delete(ctx context.Context, id string) error
}

// TransportError wraps a failed store operation so callers can apply the
// per-operation policy (hangup sends are best-effort, offer/answer sends are
// fatal to the attempt).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
