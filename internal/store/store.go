package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

var (
	// ErrEmptyRoom is returned by Append when roomId is empty.
	ErrEmptyRoom = errors.New("store: roomId must not be empty")
	// ErrEmptyUser is returned by Append when fromUserId is empty.
	ErrEmptyUser = errors.New("store: fromUserId must not be empty")
	// ErrBadKind is returned by Append when kind is outside the closed set.
	ErrBadKind = errors.New("store: unknown message kind")
)

// MessageStore is a room-scoped, append-only log of signaling messages.
//
// Within a room, CreatedAt is strictly increasing, so ReadSince with a
// cursor of the newest processed CreatedAt never skips or repeats a
// message. ReadSince also returns the store's current timestamp so a
// reader can advance its cursor on an empty batch; any append after
// that call is guaranteed a timestamp greater than the returned value.
//
// The interface hides the delivery mechanism: the HTTP surface polls it
// and the websocket feed subscribes to it, and a different transport can
// be substituted without touching either consumer.
type MessageStore interface {
	// Append persists a new message, assigning its ID and CreatedAt.
	// Duplicate content is never rejected; idempotence is the writer's
	// concern.
	Append(ctx context.Context, roomID, fromUserID, toUserID string, kind signal.Kind, payload json.RawMessage) (signal.Message, error)

	// ReadSince returns all messages for roomID with CreatedAt > since,
	// ordered ascending, plus the store's current timestamp.
	ReadSince(ctx context.Context, roomID string, since int64) ([]signal.Message, int64, error)

	// Subscribe returns a channel of messages appended to roomID after
	// the call, and a cancel function that must be called to release the
	// subscription. Slow subscribers may miss messages; the channel is
	// a live feed, not a replayable log.
	Subscribe(roomID string) (<-chan signal.Message, func())

	// Close releases backend resources.
	Close() error
}

func validateAppend(roomID, fromUserID string, kind signal.Kind) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	if fromUserID == "" {
		return ErrEmptyUser
	}
	if !kind.Valid() {
		return ErrBadKind
	}
	return nil
}
