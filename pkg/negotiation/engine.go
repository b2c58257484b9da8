package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

const candidateSendTimeout = 5 * time.Second

// Options configures an Engine. Handle and Transport are required;
// everything else has a usable zero value.
type Options struct {
	RoomID string
	SelfID string
	// PeerID is the other party's identity when known. Needed for
	// automatic role resolution; without it the engine waits for an
	// offer (broadcast style).
	PeerID string
	// Role forces a side. RoleAuto resolves deterministically from the
	// identities.
	Role Role

	Handle    ConnectionHandle
	Transport Transport

	PollInterval time.Duration
	// ConnectTimeout moves a session still connecting after this long
	// to the error state. Zero waits forever.
	ConnectTimeout time.Duration

	Logger *log.Logger

	// OnStatusChange fires after every state transition, outside the
	// engine lock, with a human-readable reason for error and teardown.
	OnStatusChange func(status Status, reason string)
	// OnSignalError fires when a signaling write fails recoverably;
	// Retry re-sends the failed message.
	OnSignalError func(err error)
	// OnRing fires for ring messages; they carry invite metadata and
	// never affect negotiation state.
	OnRing func(from string, payload json.RawMessage)
}

// Engine drives one peer connection through offer/answer/candidate
// exchange over the relay, symmetric on both peers. One Engine per call
// attempt; it is safe for concurrent use by the polling goroutine, the
// connection handle's callbacks, and the caller.
type Engine struct {
	roomID         string
	selfID         string
	peerID         string
	requestedRole  Role
	handle         ConnectionHandle
	transport      Transport
	pollInterval   time.Duration
	connectTimeout time.Duration
	logger         *log.Logger
	onStatusChange func(Status, string)
	onSignalError  func(error)
	onRing         func(string, json.RawMessage)

	mu            sync.Mutex
	status        Status
	reason        string
	role          Role
	roleCommitted bool
	haveRemote    bool
	pending       []json.RawMessage
	unsent        *outbound
	poller        *poller
	resumeCursor  int64
	handleClosed  bool
	timer         *time.Timer
}

// outbound is a message whose append failed and can be re-sent as-is.
// advanceTo is the status to enter once it is finally delivered.
type outbound struct {
	kind      signal.Kind
	payload   json.RawMessage
	to        string
	advanceTo Status
}

// NewEngine builds an idle engine. Connect starts the session.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Handle == nil {
		return nil, errors.New("negotiation: Options.Handle is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("negotiation: Options.Transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		roomID:         opts.RoomID,
		selfID:         opts.SelfID,
		peerID:         opts.PeerID,
		requestedRole:  opts.Role,
		handle:         opts.Handle,
		transport:      opts.Transport,
		pollInterval:   opts.PollInterval,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger,
		onStatusChange: opts.OnStatusChange,
		onSignalError:  opts.OnSignalError,
		onRing:         opts.OnRing,
		status:         StatusIdle,
	}, nil
}

// Status returns the current session state and, for error and teardown,
// the human-readable reason.
func (e *Engine) Status() (Status, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.reason
}

// Role returns the resolved role and whether it is committed yet. An
// auto engine with no known peer stays uncommitted until an offer
// arrives.
func (e *Engine) Role() (Role, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role, e.roleCommitted
}

// Connect starts negotiation. An explicit role overrides the one from
// Options; RoleAuto defers to it. Precondition failures are returned
// synchronously before any network call. As caller, a failed offer
// append is returned wrapped in ErrSignal with the session left in
// connecting for Retry; a failed offer build is fatal and moves the
// session to error.
//
// Calling Connect while connecting or connected is a no-op.
func (e *Engine) Connect(ctx context.Context, role Role) error {
	var notes []func()
	defer runAll(&notes)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusConnecting || e.status == StatusConnected {
		return nil
	}
	if e.roomID == "" || e.selfID == "" {
		return ErrMissingRoomOrUser
	}
	if !e.handle.LocalMediaAttached() {
		return ErrMissingLocalStream
	}

	if role == RoleAuto {
		role = e.requestedRole
	}
	e.role, e.roleCommitted = resolveRole(role, e.selfID, e.peerID)
	e.haveRemote = false
	e.pending = nil
	e.unsent = nil
	e.reason = ""

	e.setStatusLocked(StatusConnecting, "", &notes)
	e.handle.OnICECandidate(e.relayLocalCandidate)
	if e.connectTimeout > 0 {
		e.timer = time.AfterFunc(e.connectTimeout, e.onConnectTimeout)
	}

	var sendErr error
	if e.roleCommitted && e.role == RoleCaller {
		offer, err := e.handle.CreateOffer(ctx)
		if err != nil {
			e.failLocked(fmt.Sprintf("creating offer: %v", err), &notes)
			return fmt.Errorf("%w: %v", ErrOffer, err)
		}
		if err := e.transport.Send(ctx, e.roomID, signal.KindOffer, offer, e.peerID); err != nil {
			e.unsent = &outbound{kind: signal.KindOffer, payload: offer, to: e.peerID}
			sendErr = fmt.Errorf("%w: %v", ErrSignal, err)
		}
	}

	// A poller may still be running from a failed attempt. Resuming from
	// its cursor keeps that attempt's messages (a stale bye, an old
	// answer) from replaying into this one.
	if e.poller != nil {
		e.resumeCursor = e.poller.cursor.Load()
		e.poller.stop()
	}
	e.poller = startPoller(e.transport, e.roomID, e.selfID, e.resumeCursor, e.pollInterval, e.handleMessage, e.logger)
	e.logger.Printf("session starting in room %s as %s (self=%s)", e.roomID, e.role, e.selfID)
	return sendErr
}

// Retry re-sends the last signaling message whose append failed. It is
// a no-op when nothing is pending.
func (e *Engine) Retry(ctx context.Context) error {
	var notes []func()
	defer runAll(&notes)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unsent == nil {
		return nil
	}
	ob := *e.unsent
	if err := e.transport.Send(ctx, e.roomID, ob.kind, ob.payload, ob.to); err != nil {
		return fmt.Errorf("%w: %v", ErrSignal, err)
	}
	e.unsent = nil
	if ob.advanceTo != "" && e.status == StatusConnecting {
		e.setStatusLocked(ob.advanceTo, "", &notes)
	}
	return nil
}

// Hangup ends the session: a bye is appended best-effort, the polling
// loop stops, and the connection handle closes. Idempotent and safe
// from any state, including error; a failed bye delivery never blocks
// local teardown.
func (e *Engine) Hangup(ctx context.Context) {
	// The bye is sent outside the lock; a slow relay must not block
	// Status or concurrent candidate relays behind the teardown.
	e.mu.Lock()
	sendBye := e.status != StatusIdle
	to := e.peerID
	e.mu.Unlock()

	if sendBye {
		if err := e.transport.Send(ctx, e.roomID, signal.KindBye, nil, to); err != nil {
			e.logger.Printf("bye delivery for room %s failed, tearing down anyway: %v", e.roomID, err)
		}
	}

	var notes []func()
	defer runAll(&notes)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked("local hangup", &notes)
}

// handleMessage is the poller's sink. The poller already skips our own
// writes; the check here keeps the suppression invariant even if a
// different transport forwards everything.
func (e *Engine) handleMessage(msg signal.Message) {
	var notes []func()
	defer runAll(&notes)

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.FromUserID == e.selfID {
		return
	}
	if e.status == StatusIdle {
		return
	}

	switch msg.Kind {
	case signal.KindOffer:
		e.handleOfferLocked(msg, &notes)
	case signal.KindAnswer:
		e.handleAnswerLocked(msg, &notes)
	case signal.KindCandidate:
		e.handleCandidateLocked(msg)
	case signal.KindBye:
		e.teardownLocked("peer hung up", &notes)
	case signal.KindRing:
		if e.onRing != nil {
			from, payload := msg.FromUserID, msg.Payload
			fn := e.onRing
			notes = append(notes, func() { fn(from, payload) })
		}
	default:
		e.logger.Printf("ignoring message of unknown kind %q in room %s", msg.Kind, e.roomID)
	}
}

func (e *Engine) handleOfferLocked(msg signal.Message, notes *[]func()) {
	if e.roleCommitted && e.role == RoleCaller {
		e.logger.Printf("ignoring offer from %s: this side is the caller", msg.FromUserID)
		return
	}
	e.role, e.roleCommitted = RoleCallee, true
	if e.peerID == "" {
		e.peerID = msg.FromUserID
	}

	if err := e.handle.SetRemoteDescription(msg.Payload); err != nil {
		e.failLocked(fmt.Sprintf("%v: applying remote offer: %v", ErrAnswer, err), notes)
		return
	}
	e.haveRemote = true
	e.flushPendingLocked()

	answer, err := e.handle.CreateAnswer(context.Background())
	if err != nil {
		e.failLocked(fmt.Sprintf("%v: %v", ErrAnswer, err), notes)
		return
	}

	// Delivered after the lock is released so a slow relay does not
	// block the engine for the duration of the send.
	to := msg.FromUserID
	*notes = append(*notes, func() { e.deliverAnswer(answer, to) })
}

// deliverAnswer appends the answer and advances to connected. Runs
// outside the engine lock; a failed append caches the answer for Retry.
func (e *Engine) deliverAnswer(answer json.RawMessage, to string) {
	err := e.transport.Send(context.Background(), e.roomID, signal.KindAnswer, answer, to)

	var notes []func()
	defer runAll(&notes)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusConnecting {
		// Torn down or failed while the send was in flight.
		return
	}
	if err != nil {
		e.unsent = &outbound{kind: signal.KindAnswer, payload: answer, to: to, advanceTo: StatusConnected}
		e.reportSignalError(fmt.Errorf("%w: %v", ErrSignal, err), &notes)
		return
	}
	e.setStatusLocked(StatusConnected, "", &notes)
}

func (e *Engine) handleAnswerLocked(msg signal.Message, notes *[]func()) {
	if !e.roleCommitted || e.role != RoleCaller {
		e.logger.Printf("ignoring answer from %s: this side is not the caller", msg.FromUserID)
		return
	}
	if e.status != StatusConnecting {
		return
	}

	if err := e.handle.SetRemoteDescription(msg.Payload); err != nil {
		e.failLocked(fmt.Sprintf("applying remote answer: %v", err), notes)
		return
	}
	e.haveRemote = true
	e.flushPendingLocked()
	e.setStatusLocked(StatusConnected, "", notes)
}

func (e *Engine) handleCandidateLocked(msg signal.Message) {
	if !e.haveRemote {
		// Candidates can outrun the offer/answer under polling; hold
		// them until a remote description exists.
		e.pending = append(e.pending, msg.Payload)
		return
	}
	if err := e.handle.AddICECandidate(msg.Payload); err != nil {
		// A single dropped candidate is not fatal; another pair may
		// still connect.
		e.logger.Printf("applying remote candidate failed: %v", err)
	}
}

func (e *Engine) flushPendingLocked() {
	for _, candidate := range e.pending {
		if err := e.handle.AddICECandidate(candidate); err != nil {
			e.logger.Printf("applying queued candidate failed: %v", err)
		}
	}
	e.pending = nil
}

// relayLocalCandidate forwards each locally discovered candidate right
// away; batching would slow connection establishment.
func (e *Engine) relayLocalCandidate(candidate json.RawMessage) {
	e.mu.Lock()
	if e.status != StatusConnecting && e.status != StatusConnected {
		e.mu.Unlock()
		return
	}
	roomID, to := e.roomID, e.peerID
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), candidateSendTimeout)
	defer cancel()
	if err := e.transport.Send(ctx, roomID, signal.KindCandidate, candidate, to); err != nil {
		e.logger.Printf("candidate delivery for room %s failed: %v", roomID, err)
	}
}

func (e *Engine) onConnectTimeout() {
	var notes []func()
	defer runAll(&notes)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusConnecting {
		e.failLocked("negotiation timed out", &notes)
	}
}

// failLocked moves the session to error. Polling continues so a peer
// bye still tears the session down; Hangup remains available.
func (e *Engine) failLocked(reason string, notes *[]func()) {
	e.stopTimerLocked()
	e.setStatusLocked(StatusError, reason, notes)
}

// teardownLocked stops the polling loop first, then closes the handle,
// then reports idle. Every step is guarded so repeated calls no-op.
func (e *Engine) teardownLocked(reason string, notes *[]func()) {
	e.stopTimerLocked()
	if e.poller != nil {
		e.resumeCursor = e.poller.cursor.Load()
		e.poller.stop()
		e.poller = nil
	}
	if !e.handleClosed {
		if err := e.handle.Close(); err != nil {
			e.logger.Printf("closing connection handle: %v", err)
		}
		e.handleClosed = true
	}
	e.setStatusLocked(StatusIdle, reason, notes)
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) setStatusLocked(to Status, reason string, notes *[]func()) {
	if e.status == to {
		return
	}
	if !validTransition(e.status, to) {
		e.logger.Printf("refusing transition %s -> %s", e.status, to)
		return
	}
	if to == StatusConnected {
		e.stopTimerLocked()
	}
	e.status = to
	e.reason = reason
	e.logger.Printf("session in room %s: %s %s", e.roomID, to, reason)
	if e.onStatusChange != nil {
		fn := e.onStatusChange
		*notes = append(*notes, func() { fn(to, reason) })
	}
}

func (e *Engine) reportSignalError(err error, notes *[]func()) {
	e.logger.Printf("signaling write in room %s failed: %v", e.roomID, err)
	if e.onSignalError != nil {
		fn := e.onSignalError
		*notes = append(*notes, func() { fn(err) })
	}
}

// runAll fires deferred callbacks after the engine lock is released, so
// a callback may call back into the engine without deadlocking.
func runAll(notes *[]func()) {
	for _, fn := range *notes {
		fn()
	}
}
