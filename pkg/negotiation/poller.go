package negotiation

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

// DefaultPollInterval matches the relay's intended cadence: short
// enough for interactive call setup, long enough to stay cheap. Polling
// over a push channel is a deliberate trade of latency for simplicity
// and statelessness.
const DefaultPollInterval = 1500 * time.Millisecond

// poller repeatedly reads new messages for one room and forwards every
// message not authored by selfID, in order. Read failures are logged
// and retried on the next tick; nothing is lost between retries because
// the store is the source of truth.
type poller struct {
	transport Transport
	roomID    string
	selfID    string
	interval  time.Duration
	onMessage func(signal.Message)
	logger    *log.Logger

	// cursor is atomic so the engine can read it after stop to seed a
	// later attempt past this one's messages.
	cursor atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

func startPoller(transport Transport, roomID, selfID string, since int64, interval time.Duration, onMessage func(signal.Message), logger *log.Logger) *poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		transport: transport,
		roomID:    roomID,
		selfID:    selfID,
		interval:  interval,
		onMessage: onMessage,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.cursor.Store(since)
	go p.run(ctx)
	return p
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First read right away so a waiting offer is picked up without a
	// full tick of delay.
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *poller) poll(ctx context.Context) {
	cursor := p.cursor.Load()
	items, now, err := p.transport.ReadSince(ctx, p.roomID, cursor)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Printf("poll for room %s failed, retrying next tick: %v", p.roomID, err)
		}
		return
	}

	for _, msg := range items {
		if msg.CreatedAt > cursor {
			cursor = msg.CreatedAt
			p.cursor.Store(cursor)
		}
		if msg.FromUserID == p.selfID {
			continue
		}
		p.onMessage(msg)
	}

	// serverNow can be ahead of the newest message; taking the larger
	// value keeps the cursor moving on empty batches despite clock skew.
	if now > cursor {
		p.cursor.Store(now)
	}
}

// stop cancels the loop. It does not wait: teardown may run from the
// poller's own message callback, and joining here would deadlock.
func (p *poller) stop() {
	p.cancel()
}
