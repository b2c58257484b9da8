package negotiation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PionHandle adapts a pion PeerConnection to the ConnectionHandle
// interface. The engine sees opaque payloads; this is where they become
// session descriptions and ICE candidates.
type PionHandle struct {
	pc *webrtc.PeerConnection
}

// NewPionHandle builds a handle with a fresh PeerConnection. Attach
// local media with AddTrack before calling Connect on the engine.
func NewPionHandle(cfg webrtc.Configuration) (*PionHandle, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionHandle{pc: pc}, nil
}

// WrapPeerConnection adapts an existing PeerConnection, for callers
// that configure their own media engine.
func WrapPeerConnection(pc *webrtc.PeerConnection) *PionHandle {
	return &PionHandle{pc: pc}
}

// PeerConnection exposes the underlying connection for operations the
// engine has no interest in (stats, data channels, transceivers).
func (p *PionHandle) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

// AddTrack attaches a local media track.
func (p *PionHandle) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return p.pc.AddTrack(track)
}

func (p *PionHandle) LocalMediaAttached() bool {
	return len(p.pc.GetSenders()) > 0
}

func (p *PionHandle) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (p *PionHandle) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (p *PionHandle) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *PionHandle) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *PionHandle) OnICECandidate(fn func(candidate json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-gathering marker; nothing to relay.
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

// OnTrack registers the remote media callback.
func (p *PionHandle) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

// OnConnectionStateChange exposes the transport-level state for callers
// that want to observe ICE progress beyond the negotiation status.
func (p *PionHandle) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PionHandle) Close() error {
	return p.pc.Close()
}
