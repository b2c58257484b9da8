package negotiation

import "errors"

// Sentinel errors for the failure classes a caller can act on. Wrap
// sites add detail with fmt.Errorf("...: %w", ...); callers classify
// with errors.Is.
var (
	// ErrMissingRoomOrUser is returned by Connect before any network
	// call when the room id or self id is empty.
	ErrMissingRoomOrUser = errors.New("negotiation: room id and self id are required")

	// ErrMissingLocalStream is returned by Connect before any network
	// call when no local media is attached to the connection handle.
	ErrMissingLocalStream = errors.New("negotiation: local media stream not attached")

	// ErrSignal marks a failed signaling write. Recoverable: the session
	// stays in its current state and Retry re-sends the same message.
	ErrSignal = errors.New("negotiation: signaling write failed")

	// ErrOffer marks a local failure building the offer. Fatal to the
	// attempt; hang up and start a new Connect.
	ErrOffer = errors.New("negotiation: creating local offer failed")

	// ErrAnswer marks a local failure applying the remote description or
	// building the answer. Fatal to the attempt; it happens on the
	// receive path, so it surfaces in the error-state reason rather than
	// as a return value.
	ErrAnswer = errors.New("negotiation: creating local answer failed")
)
