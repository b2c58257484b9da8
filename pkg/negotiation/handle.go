package negotiation

import (
	"context"
	"encoding/json"
)

// Role says which side of the negotiation this peer drives.
type Role string

const (
	// RoleAuto resolves the role deterministically from the two
	// identities: the lexicographically smaller id becomes the caller,
	// so both peers reach the same assignment without communicating.
	RoleAuto Role = ""

	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// resolveRole honors an explicit role and otherwise compares identities.
// With no peer id known the engine stays uncommitted and behaves as a
// callee until an offer arrives.
func resolveRole(requested Role, selfID, peerID string) (role Role, committed bool) {
	switch requested {
	case RoleCaller, RoleCallee:
		return requested, true
	}
	if peerID == "" {
		return RoleCallee, false
	}
	if selfID < peerID {
		return RoleCaller, true
	}
	return RoleCallee, true
}

// Status is the session state visible to the UI layer.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// validTransition is the explicit transition table; everything not
// listed is treated as a no-op by the engine rather than applied.
func validTransition(from, to Status) bool {
	switch from {
	case StatusIdle:
		return to == StatusConnecting
	case StatusConnecting:
		return to == StatusConnected || to == StatusError || to == StatusIdle
	case StatusConnected:
		return to == StatusError || to == StatusIdle
	case StatusError:
		return to == StatusIdle || to == StatusConnecting
	}
	return false
}

// ConnectionHandle is the engine's view of the underlying peer
// connection. PionHandle implements it on a pion PeerConnection; tests
// substitute fakes.
//
// CreateOffer and CreateAnswer build the local description, install it
// on the connection, and return it serialized for the relay. Payloads
// pass through the engine opaquely in both directions.
type ConnectionHandle interface {
	// LocalMediaAttached reports whether a local stream is present.
	// Connect refuses to start without one.
	LocalMediaAttached() bool

	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error

	// OnICECandidate registers the callback for locally discovered
	// candidates. The engine relays each one immediately.
	OnICECandidate(fn func(candidate json.RawMessage))

	// Close releases the connection. Safe to call more than once.
	Close() error
}
