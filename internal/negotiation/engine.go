// Package negotiation drives a peer connection through the offer/answer/
// candidate exchange carried by the relay channel.
package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"remotedesk/host/internal/domain"
)

// ControlChannelLabel is the data channel the viewer sends input events on.
const ControlChannelLabel = "input"

// DefaultTimeout bounds how long negotiation may take to reach Connected.
const DefaultTimeout = 45 * time.Second

// State is the engine's negotiation state.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config wires an Engine to its collaborators.
type Config struct {
	ICEServers     []domain.ICEServer
	NewPeer        domain.PeerFactory
	Signaler       domain.Signaler
	Handler        domain.NegotiationHandler
	Input          domain.InputSink
	Capture        []domain.CaptureSource
	CaptureOptions domain.CaptureOptions
	AllowControl   bool
	Timeout        time.Duration
}

// Engine owns one peer connection for the lifetime of one remote session.
type Engine struct {
	cfg          Config
	allowControl atomic.Bool

	// signalMu serializes inbound signals so an offer and the candidates
	// that follow it are applied in delivery order.
	signalMu sync.Mutex

	mu        sync.Mutex
	state     State
	peer      domain.PeerConnection
	remoteSet bool
	pending   []domain.ICECandidatePayload
	timer     *time.Timer
	capturing bool
}

// New creates an idle engine.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	e := &Engine{cfg: cfg}
	e.allowControl.Store(cfg.AllowControl)
	return e
}

// State returns the current negotiation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetAllowControl enables or disables routing of input events.
func (e *Engine) SetAllowControl(enabled bool) {
	e.allowControl.Store(enabled)
	log.Printf("[negotiation] remote control %s", enabledText(enabled))
}

// Start creates the peer connection, registers its callbacks, starts the
// capture collaborators and arms the negotiation timeout.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return domain.NewError(domain.KindState, "negotiation start", fmt.Errorf("engine is %s", state))
	}
	e.mu.Unlock()

	peer, err := e.cfg.NewPeer(e.cfg.ICEServers)
	if err != nil {
		e.mu.Lock()
		e.state = StateFailed
		e.mu.Unlock()
		return fmt.Errorf("create peer: %w", err)
	}

	peer.OnStateChange(func(s domain.PeerState) { e.handleState(peer, s) })
	peer.OnLocalDescription(func(sdp domain.SDPPayload) { e.sendDescription(peer, sdp) })
	peer.OnLocalCandidate(func(c domain.ICECandidatePayload) { e.sendCandidate(peer, c) })
	peer.OnGatheringComplete(func() { log.Printf("[negotiation] ICE gathering complete") })
	peer.OnDataChannel(func(dc domain.DataChannel) { e.handleDataChannel(peer, dc) })

	e.mu.Lock()
	if e.state != StateIdle {
		// Stopped while the peer was being built.
		e.mu.Unlock()
		peer.Close()
		return domain.NewError(domain.KindState, "negotiation start", errors.New("engine stopped"))
	}
	e.peer = peer
	e.state = StateNegotiating
	e.timer = time.AfterFunc(e.cfg.Timeout, func() { e.handleTimeout(peer) })
	e.capturing = true
	e.mu.Unlock()

	for _, src := range e.cfg.Capture {
		if err := src.Start(e.cfg.CaptureOptions); err != nil {
			log.Printf("[negotiation] capture did not start: %v", err)
		}
	}

	log.Printf("[negotiation] peer created with %d ICE servers, waiting for offer", len(e.cfg.ICEServers))
	return nil
}

// HandleSignal applies one inbound signaling message. Signals arriving
// before Start or after Stop are logged and ignored.
func (e *Engine) HandleSignal(sig domain.Signal) error {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()

	if peer == nil {
		err := domain.NewError(domain.KindState, "handle "+sig.Type, domain.ErrNotReady)
		log.Printf("[negotiation] %v", err)
		return err
	}

	switch sig.Type {
	case domain.SignalOffer:
		return e.handleOffer(peer, sig)
	case domain.SignalICE:
		return e.handleRemoteCandidate(peer, sig)
	default:
		log.Printf("[negotiation] ignoring %q signal", sig.Type)
		return nil
	}
}

func (e *Engine) handleOffer(peer domain.PeerConnection, sig domain.Signal) error {
	if sig.SDP == nil || sig.SDP.SDP == "" {
		err := domain.NewError(domain.KindProtocol, "handle offer", errors.New("offer without sdp"))
		log.Printf("[negotiation] %v", err)
		return err
	}

	log.Printf("[negotiation] received offer, creating answer")
	if err := peer.ApplyRemoteDescription(domain.SDPPayload{Type: domain.SignalOffer, SDP: sig.SDP.SDP}); err != nil {
		log.Printf("[negotiation] %v", err)
		return err
	}

	e.mu.Lock()
	if e.peer != peer {
		e.mu.Unlock()
		return domain.NewError(domain.KindState, "handle offer", domain.ErrNotReady)
	}
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	answer, err := peer.CreateAnswer()
	if err != nil {
		log.Printf("[negotiation] %v", err)
		return err
	}
	// The answer is sent from the local description callback.
	if err := peer.ApplyLocalDescription(answer); err != nil {
		log.Printf("[negotiation] %v", err)
		return err
	}

	for _, c := range pending {
		if err := peer.AddRemoteCandidate(c); err != nil {
			log.Printf("[negotiation] add buffered candidate: %v", err)
		}
	}
	return nil
}

func (e *Engine) handleRemoteCandidate(peer domain.PeerConnection, sig domain.Signal) error {
	if sig.Candidate == nil {
		err := domain.NewError(domain.KindProtocol, "handle ice", errors.New("ice signal without candidate"))
		log.Printf("[negotiation] %v", err)
		return err
	}
	if sig.Candidate.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}

	e.mu.Lock()
	if !e.remoteSet {
		e.pending = append(e.pending, *sig.Candidate)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := peer.AddRemoteCandidate(*sig.Candidate); err != nil {
		log.Printf("[negotiation] %v", err)
		return err
	}
	return nil
}

func (e *Engine) current(peer domain.PeerConnection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer == peer
}

func (e *Engine) sendDescription(peer domain.PeerConnection, sdp domain.SDPPayload) {
	if !e.current(peer) {
		return
	}
	log.Printf("[negotiation] sending local %s", sdp.Type)
	e.cfg.Signaler.SendSignal(domain.Signal{
		Type: sdp.Type,
		SDP:  &domain.SDPPayload{Type: sdp.Type, SDP: sdp.SDP},
	})
}

func (e *Engine) sendCandidate(peer domain.PeerConnection, c domain.ICECandidatePayload) {
	if !e.current(peer) {
		return
	}
	e.cfg.Signaler.SendSignal(domain.Signal{Type: domain.SignalICE, Candidate: &c})
}

func (e *Engine) handleState(peer domain.PeerConnection, s domain.PeerState) {
	e.mu.Lock()
	if e.peer != peer {
		e.mu.Unlock()
		return
	}
	switch s {
	case domain.PeerStateConnected:
		e.state = StateConnected
		e.stopTimerLocked()
	case domain.PeerStateDisconnected:
		e.state = StateDisconnected
	case domain.PeerStateFailed:
		e.state = StateFailed
		e.stopTimerLocked()
	}
	e.mu.Unlock()

	log.Printf("[negotiation] peer %s", s)
	e.cfg.Handler.OnStateChange(s)
}

func (e *Engine) handleTimeout(peer domain.PeerConnection) {
	e.mu.Lock()
	if e.peer != peer || e.state != StateNegotiating {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	e.timer = nil
	e.mu.Unlock()

	err := domain.NewError(domain.KindTransport, "negotiation", domain.ErrNegotiationTimeout)
	log.Printf("[negotiation] %v after %s", err, e.cfg.Timeout)
	e.cfg.Handler.OnNegotiationFailed(err)
}

func (e *Engine) handleDataChannel(peer domain.PeerConnection, dc domain.DataChannel) {
	if dc.Label() != ControlChannelLabel {
		log.Printf("[negotiation] ignoring data channel %q", dc.Label())
		return
	}
	log.Printf("[negotiation] control channel established")
	dc.OnMessage(func(text string) { e.handleControl(peer, text) })
}

func (e *Engine) handleControl(peer domain.PeerConnection, text string) {
	if !e.current(peer) || !e.allowControl.Load() {
		return
	}
	var ev domain.InputEvent
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		log.Printf("[negotiation] dropping malformed control message: %v", err)
		return
	}
	if e.cfg.Input == nil {
		return
	}
	if err := e.cfg.Input.HandleEvent(ev); err != nil {
		log.Printf("[negotiation] input %s: %v", ev.T, err)
	}
}

// Stop stops capture and releases the peer connection. It is idempotent
// and safe in any state.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	peer := e.peer
	capturing := e.capturing
	e.peer = nil
	e.state = StateClosed
	e.remoteSet = false
	e.pending = nil
	e.capturing = false
	e.stopTimerLocked()
	e.mu.Unlock()

	if capturing {
		for _, src := range e.cfg.Capture {
			src.Stop()
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Printf("[negotiation] %v", err)
		}
		log.Printf("[negotiation] peer closed")
	}
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func enabledText(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
