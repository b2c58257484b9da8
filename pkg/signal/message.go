package signal

import "encoding/json"

// Kind is the type of a relayed signaling message. The set is closed:
// the store rejects writes with any other value, and readers skip
// unknown kinds instead of failing the batch.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindBye       Kind = "bye"
	KindRing      Kind = "ring"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindBye, KindRing:
		return true
	}
	return false
}

// Message is the single persisted entity of the relay. Messages are
// created once by an append and never mutated. ToUserID is advisory
// metadata; the relay does not restrict delivery by it, every room
// participant reads the full stream and discards its own writes.
type Message struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"roomId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId,omitempty"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	// CreatedAt is a store-assigned logical timestamp in milliseconds,
	// strictly increasing within a room so a "createdAt > cursor" read
	// never skips a message.
	CreatedAt int64 `json:"createdAt"`
}

// AppendRequest is the body of POST /api/signal. The writer's identity
// comes from the authenticated session, never from the body.
type AppendRequest struct {
	RoomID   string          `json:"roomId" binding:"required"`
	Kind     Kind            `json:"kind" binding:"required"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ToUserID string          `json:"toUserId,omitempty"`
}

// AppendResponse is the response of POST /api/signal.
type AppendResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ReadResponse is the response of GET /api/signal. Items are ordered
// oldest-first. Now is the store's current timestamp and lets a reader
// advance its cursor even when Items is empty.
type ReadResponse struct {
	OK    bool      `json:"ok"`
	Now   int64     `json:"now"`
	Items []Message `json:"items"`
	Error string    `json:"error,omitempty"`
}
