package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

// scriptedTransport returns one canned ReadSince result per call and
// records the cursors it was asked for.
type scriptedTransport struct {
	mu      sync.Mutex
	results []readResult
	cursors []int64
}

type readResult struct {
	items []signal.Message
	now   int64
	err   error
}

func (s *scriptedTransport) Send(ctx context.Context, roomID string, kind signal.Kind, payload json.RawMessage, toUserID string) error {
	return nil
}

func (s *scriptedTransport) ReadSince(ctx context.Context, roomID string, since int64) ([]signal.Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = append(s.cursors, since)
	if len(s.results) == 0 {
		return nil, since, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.items, r.now, r.err
}

func (s *scriptedTransport) seenCursors() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.cursors))
	copy(out, s.cursors)
	return out
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

func TestPollerAdvancesCursorOnEmptyBatch(t *testing.T) {
	transport := &scriptedTransport{results: []readResult{
		{now: 50},
		{now: 60},
	}}

	p := startPoller(transport, "r1", "alice", 0, 10*time.Millisecond, func(signal.Message) {}, log.Default())
	defer p.stop()

	waitFor(t, "two polls", func() bool { return transport.callCount() >= 2 })

	cursors := transport.seenCursors()
	if cursors[0] != 0 {
		t.Fatalf("first cursor %d, want 0", cursors[0])
	}
	// serverNow from the empty batch moved the cursor forward.
	if cursors[1] != 50 {
		t.Fatalf("second cursor %d, want 50", cursors[1])
	}
}

func TestPollerForwardsInOrderAndSkipsSelf(t *testing.T) {
	transport := &scriptedTransport{results: []readResult{
		{
			items: []signal.Message{
				{FromUserID: "bob", Kind: signal.KindOffer, CreatedAt: 10},
				{FromUserID: "alice", Kind: signal.KindCandidate, CreatedAt: 11},
				{FromUserID: "bob", Kind: signal.KindCandidate, CreatedAt: 12},
			},
			now: 12,
		},
	}}

	var mu sync.Mutex
	var got []signal.Message
	p := startPoller(transport, "r1", "alice", 0, 10*time.Millisecond, func(m signal.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}, log.Default())
	defer p.stop()

	waitFor(t, "messages forwarded", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != signal.KindOffer || got[1].Kind != signal.KindCandidate {
		t.Fatalf("order wrong: %s then %s", got[0].Kind, got[1].Kind)
	}
	for _, m := range got {
		if m.FromUserID == "alice" {
			t.Fatalf("own message forwarded")
		}
	}
}

func TestPollerSurvivesReadErrors(t *testing.T) {
	transport := &scriptedTransport{results: []readResult{
		{err: errors.New("relay down")},
		{items: []signal.Message{{FromUserID: "bob", Kind: signal.KindBye, CreatedAt: 5}}, now: 5},
	}}

	var mu sync.Mutex
	var got int
	p := startPoller(transport, "r1", "alice", 0, 10*time.Millisecond, func(signal.Message) {
		mu.Lock()
		got++
		mu.Unlock()
	}, log.Default())
	defer p.stop()

	waitFor(t, "message after failed tick", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 1
	})
}

func TestPollerStartsFromGivenCursor(t *testing.T) {
	transport := &scriptedTransport{}
	p := startPoller(transport, "r1", "alice", 42, 10*time.Millisecond, func(signal.Message) {}, log.Default())
	defer p.stop()

	waitFor(t, "first poll", func() bool { return transport.callCount() >= 1 })
	if cursors := transport.seenCursors(); cursors[0] != 42 {
		t.Fatalf("first cursor %d, want 42", cursors[0])
	}
}

func TestPollerStops(t *testing.T) {
	transport := &scriptedTransport{}
	p := startPoller(transport, "r1", "alice", 0, 5*time.Millisecond, func(signal.Message) {}, log.Default())

	waitFor(t, "first poll", func() bool { return transport.callCount() >= 1 })
	p.stop()

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatalf("poller goroutine did not exit")
	}

	calls := transport.callCount()
	time.Sleep(30 * time.Millisecond)
	if transport.callCount() != calls {
		t.Fatalf("poller kept reading after stop")
	}
}
