package domain

import (
	"encoding/json"
	"math"
)

// Signal types carried inside the relay broadcast envelope.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

// Signal is the innermost signaling payload exchanged through the relay channel.
type Signal struct {
	Type      string               `json:"type"`
	SDP       *SDPPayload          `json:"sdp,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
// SDPMLineIndex is nil when the index is unknown; it is never sent as -1.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// UnmarshalJSON accepts any JSON number for sdpMLineIndex. Browsers and
// other peers send -1 or null for an unknown index; anything that does not
// fit a uint16 decodes as nil instead of failing the whole candidate.
func (c *ICECandidatePayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Candidate     string   `json:"candidate"`
		SDPMid        string   `json:"sdpMid"`
		SDPMLineIndex *float64 `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Candidate = raw.Candidate
	c.SDPMid = raw.SDPMid
	c.SDPMLineIndex = nil
	if v := raw.SDPMLineIndex; v != nil && *v >= 0 && *v <= math.MaxUint16 && *v == math.Trunc(*v) {
		idx := uint16(*v)
		c.SDPMLineIndex = &idx
	}
	return nil
}

// PeerState mirrors the peer connection state reported by the transport.
type PeerState int

const (
	PeerStateNew PeerState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateDisconnected
	PeerStateFailed
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateFailed:
		return "failed"
	case PeerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InputEvent is a control message received on the input data channel.
// T is one of "key", "move", "click" or "wheel".
type InputEvent struct {
	T      string `json:"t"`
	Type   string `json:"type,omitempty"`
	Key    string `json:"key,omitempty"`
	Code   string `json:"code,omitempty"`
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	Button int    `json:"button,omitempty"`
	DeltaX int    `json:"deltaX,omitempty"`
	DeltaY int    `json:"deltaY,omitempty"`
}

// CaptureOptions configure the screen capture collaborator.
type CaptureOptions struct {
	ScreenIndex int
	FPS         int
}
