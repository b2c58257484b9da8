package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-relay/pkg/signal"
	"github.com/redis/go-redis/v9"
)

// appendScript assigns a strictly increasing per-room timestamp and
// appends the message to the room stream under the id "<stamp>-0", so
// the stream order is exactly the (createdAt, sequence) order readers
// depend on.
var appendScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local stamp = now
if stamp <= last then
  stamp = last + 1
end
redis.call('SET', KEYS[2], stamp)
redis.call('XADD', KEYS[1], stamp .. '-0', 'id', ARGV[1], 'from', ARGV[2], 'to', ARGV[3], 'kind', ARGV[4], 'payload', ARGV[5])
if tonumber(ARGV[6]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
  redis.call('PEXPIRE', KEYS[2], ARGV[6])
end
return stamp
`)

// clockScript bumps the room clock to at least the server wallclock and
// returns it. Any append after this call stamps past the returned value,
// which makes the value safe to hand out as serverNow for cursor
// advancement on empty reads.
var clockScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
if now > last then
  redis.call('SET', KEYS[1], now)
  last = now
end
return last
`)

// RedisStore persists each room's log as a Redis stream and fans out
// live appends over pub/sub. Safe across multiple relay processes.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore builds a store on an existing Redis client. Messages
// expire after ttl; ttl <= 0 keeps them until the room keys are deleted
// externally.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func streamKey(roomID string) string  { return "signal:room:" + roomID + ":stream" }
func clockKey(roomID string) string   { return "signal:room:" + roomID + ":clock" }
func channelKey(roomID string) string { return "signal:room:" + roomID }

func (s *RedisStore) Append(ctx context.Context, roomID, fromUserID, toUserID string, kind signal.Kind, payload json.RawMessage) (signal.Message, error) {
	if err := validateAppend(roomID, fromUserID, kind); err != nil {
		return signal.Message{}, err
	}

	id := uuid.NewString()
	stamp, err := appendScript.Run(ctx, s.rdb,
		[]string{streamKey(roomID), clockKey(roomID)},
		id, fromUserID, toUserID, string(kind), string(payload), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return signal.Message{}, fmt.Errorf("redis append: %w", err)
	}

	msg := signal.Message{
		ID:         id,
		RoomID:     roomID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  stamp,
	}

	data, err := json.Marshal(msg)
	if err == nil {
		if err := s.rdb.Publish(ctx, channelKey(roomID), data).Err(); err != nil {
			log.Printf("redis publish to %s failed: %v", roomID, err)
		}
	}
	return msg, nil
}

func (s *RedisStore) ReadSince(ctx context.Context, roomID string, since int64) ([]signal.Message, int64, error) {
	now, err := clockScript.Run(ctx, s.rdb, []string{clockKey(roomID)}).Int64()
	if err != nil {
		return nil, 0, fmt.Errorf("redis clock: %w", err)
	}

	// Entries always carry sequence 0, so "<since>-1" is the first id
	// strictly after the cursor.
	start := strconv.FormatInt(since, 10) + "-1"
	entries, err := s.rdb.XRange(ctx, streamKey(roomID), start, "+").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis read: %w", err)
	}

	items := make([]signal.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeEntry(roomID, entry)
		if err != nil {
			log.Printf("skipping undecodable entry %s in room %s: %v", entry.ID, roomID, err)
			continue
		}
		items = append(items, msg)
	}
	return items, now, nil
}

func (s *RedisStore) Subscribe(roomID string) (<-chan signal.Message, func()) {
	sub := s.rdb.Subscribe(context.Background(), channelKey(roomID))
	out := make(chan signal.Message, subscriberBuffer)

	go func() {
		defer close(out)
		for m := range sub.Channel() {
			var msg signal.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("bad pubsub payload in room %s: %v", roomID, err)
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return out, cancel
}

func (s *RedisStore) Close() error {
	return nil
}

func decodeEntry(roomID string, entry redis.XMessage) (signal.Message, error) {
	stampStr, _, ok := strings.Cut(entry.ID, "-")
	if !ok {
		return signal.Message{}, fmt.Errorf("malformed stream id %q", entry.ID)
	}
	stamp, err := strconv.ParseInt(stampStr, 10, 64)
	if err != nil {
		return signal.Message{}, fmt.Errorf("malformed stream id %q: %w", entry.ID, err)
	}

	field := func(name string) string {
		v, _ := entry.Values[name].(string)
		return v
	}

	msg := signal.Message{
		ID:         field("id"),
		RoomID:     roomID,
		FromUserID: field("from"),
		ToUserID:   field("to"),
		Kind:       signal.Kind(field("kind")),
		CreatedAt:  stamp,
	}
	if p := field("payload"); p != "" {
		msg.Payload = json.RawMessage(p)
	}
	return msg, nil
}
