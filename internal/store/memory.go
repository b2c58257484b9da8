package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

const subscriberBuffer = 32

// MemoryStore keeps one append-only log per room, guarded by a single
// RWMutex. Suitable for single-process deployments; use RedisStore when
// more than one relay instance serves the same rooms.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomLog
	ttl   time.Duration
	now   func() time.Time

	subMu  sync.Mutex
	subSeq int
	subs   map[string]map[int]chan signal.Message
}

type roomLog struct {
	messages []signal.Message
	// clock is the room's logical timestamp floor. Appends stamp
	// max(wallclock, clock+1); reads bump it to at least the wallclock
	// before reporting serverNow, so later appends always stamp past
	// any serverNow already handed out.
	clock int64
}

// NewMemoryStore builds an in-memory store. Messages older than ttl are
// purged opportunistically on append; ttl <= 0 disables purging.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*roomLog),
		subs:  make(map[string]map[int]chan signal.Message),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, roomID, fromUserID, toUserID string, kind signal.Kind, payload json.RawMessage) (signal.Message, error) {
	if err := validateAppend(roomID, fromUserID, kind); err != nil {
		return signal.Message{}, err
	}

	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = &roomLog{}
		s.rooms[roomID] = room
	}

	stamp := s.now().UnixMilli()
	if stamp <= room.clock {
		stamp = room.clock + 1
	}
	room.clock = stamp

	msg := signal.Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  stamp,
	}
	room.messages = append(room.messages, msg)
	s.purgeLocked(room, stamp)
	// Publish before releasing the lock so subscribers observe appends
	// in stamp order; the channel send never blocks.
	s.publish(msg)
	s.mu.Unlock()

	return msg, nil
}

func (s *MemoryStore) ReadSince(ctx context.Context, roomID string, since int64) ([]signal.Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = &roomLog{}
		s.rooms[roomID] = room
	}

	now := s.now().UnixMilli()
	if now > room.clock {
		room.clock = now
	}

	var items []signal.Message
	for _, msg := range room.messages {
		if msg.CreatedAt > since {
			items = append(items, msg)
		}
	}
	return items, room.clock, nil
}

func (s *MemoryStore) Subscribe(roomID string) (<-chan signal.Message, func()) {
	ch := make(chan signal.Message, subscriberBuffer)

	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[int]chan signal.Message)
	}
	s.subs[roomID][id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if room := s.subs[roomID]; room != nil {
			if _, ok := room[id]; ok {
				delete(room, id)
				close(ch)
			}
			if len(room) == 0 {
				delete(s.subs, roomID)
			}
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *MemoryStore) Close() error {
	s.subMu.Lock()
	for roomID, room := range s.subs {
		for id, ch := range room {
			delete(room, id)
			close(ch)
		}
		delete(s.subs, roomID)
	}
	s.subMu.Unlock()
	return nil
}

func (s *MemoryStore) publish(msg signal.Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[msg.RoomID] {
		select {
		case ch <- msg:
		default:
			// Subscriber not keeping up; it can catch up via ReadSince.
		}
	}
}

// purgeLocked drops messages older than the TTL. Callers hold s.mu.
func (s *MemoryStore) purgeLocked(room *roomLog, now int64) {
	if s.ttl <= 0 {
		return
	}
	cutoff := now - s.ttl.Milliseconds()
	i := 0
	for i < len(room.messages) && room.messages[i].CreatedAt < cutoff {
		i++
	}
	if i > 0 {
		room.messages = append(room.messages[:0:0], room.messages[i:]...)
	}
}
