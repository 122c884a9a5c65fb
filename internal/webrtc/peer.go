package webrtc

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"remotedesk/host/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
)

// Peer wraps a Pion PeerConnection. It implements domain.PeerConnection.
type Peer struct {
	pc *pion.PeerConnection

	mu            sync.Mutex
	onDescription func(domain.SDPPayload)
	onCandidate   func(domain.ICECandidatePayload)
	onGathered    func()

	// emitMu orders candidate delivery after the local description.
	emitMu        sync.Mutex
	described     bool
	early         []domain.ICECandidatePayload
	gatheredEarly bool
}

var _ domain.PeerConnection = (*Peer)(nil)

// NewPeerConnection is a domain.PeerFactory backed by Pion.
func NewPeerConnection(servers []domain.ICEServer) (domain.PeerConnection, error) {
	return NewPeer(servers)
}

// NewPeer creates a PeerConnection with the default codecs and a NACK
// responder for the media the host sends.
func NewPeer(servers []domain.ICEServer) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   iceServers(servers),
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{pc: pc}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Printf("[webrtc] ICE connection state: %s", state.String())
	})
	pc.OnICECandidate(p.handleCandidate)

	return p, nil
}

func iceServers(servers []domain.ICEServer) []pion.ICEServer {
	var out []pion.ICEServer
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// ApplyRemoteDescription sets the remote offer or answer.
func (p *Peer) ApplyRemoteDescription(sdp domain.SDPPayload) error {
	desc := pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if desc.Type == pion.SDPTypeUnknown {
		return fmt.Errorf("set remote description: unknown sdp type %q", sdp.Type)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Printf("[webrtc] remote SDP %s set", sdp.Type)
	return nil
}

// CreateAnswer creates an SDP answer for the applied remote offer.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ApplyLocalDescription sets the local description and hands it to the
// description callback.
func (p *Peer) ApplyLocalDescription(sdp domain.SDPPayload) error {
	desc := pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	log.Printf("[webrtc] local SDP %s set", sdp.Type)

	local := sdp
	if ld := p.pc.LocalDescription(); ld != nil {
		local = domain.SDPPayload{Type: ld.Type.String(), SDP: ld.SDP}
	}
	p.describe(local)
	return nil
}

// describe hands the local description to its callback, then releases any
// candidates gathered while SetLocalDescription was still running.
func (p *Peer) describe(local domain.SDPPayload) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.described = true
	p.mu.Lock()
	fn := p.onDescription
	p.mu.Unlock()
	if fn != nil {
		fn(local)
	}

	early := p.early
	p.early = nil
	for i := range early {
		p.deliver(&early[i])
	}
	if p.gatheredEarly {
		p.gatheredEarly = false
		p.deliver(nil)
	}
}

// AddRemoteCandidate adds a trickled remote ICE candidate.
func (p *Peer) AddRemoteCandidate(candidate domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if candidate.SDPMid != "" {
		mid := candidate.SDPMid
		init.SDPMid = &mid
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnStateChange registers the connection state callback.
func (p *Peer) OnStateChange(fn func(domain.PeerState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Printf("[webrtc] peer connection state: %s", state.String())
		fn(mapState(state))
	})
}

// OnLocalCandidate registers the callback for locally gathered candidates.
// Loopback candidates are filtered out.
func (p *Peer) OnLocalCandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

// OnGatheringComplete registers the callback fired once candidate gathering ends.
func (p *Peer) OnGatheringComplete(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onGathered = fn
}

// handleCandidate receives Pion's candidate events; nil marks the end of gathering.
func (p *Peer) handleCandidate(c *pion.ICECandidate) {
	if c == nil {
		p.emit(nil)
		return
	}
	init := c.ToJSON()
	if isLoopback(init.Candidate) {
		log.Printf("[webrtc] filtering loopback ICE candidate")
		return
	}
	payload := candidatePayload(init)
	p.emit(&payload)
}

// emit holds candidates back until the local description has been handed
// out, so the remote side never sees a candidate ahead of the answer.
func (p *Peer) emit(c *domain.ICECandidatePayload) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	if !p.described {
		if c == nil {
			p.gatheredEarly = true
		} else {
			p.early = append(p.early, *c)
		}
		return
	}
	p.deliver(c)
}

// deliver must be called with emitMu held.
func (p *Peer) deliver(c *domain.ICECandidatePayload) {
	p.mu.Lock()
	onCandidate, onGathered := p.onCandidate, p.onGathered
	p.mu.Unlock()

	if c == nil {
		log.Printf("[webrtc] ICE gathering complete")
		if onGathered != nil {
			onGathered()
		}
		return
	}
	if onCandidate != nil {
		onCandidate(*c)
	}
}

// OnLocalDescription registers the callback for applied local descriptions.
func (p *Peer) OnLocalDescription(fn func(domain.SDPPayload)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDescription = fn
}

// OnDataChannel registers the callback for data channels opened by the remote peer.
func (p *Peer) OnDataChannel(fn func(domain.DataChannel)) {
	p.pc.OnDataChannel(func(dc *pion.DataChannel) {
		log.Printf("[webrtc] data channel %q opened by remote", dc.Label())
		fn(&dataChannel{dc: dc})
	})
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// dataChannel adapts a Pion DataChannel to domain.DataChannel.
type dataChannel struct {
	dc *pion.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) OnMessage(fn func(text string)) {
	d.dc.OnMessage(func(msg pion.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		fn(string(msg.Data))
	})
}

func (d *dataChannel) SendText(text string) error {
	return d.dc.SendText(text)
}

func candidatePayload(init pion.ICECandidateInit) domain.ICECandidatePayload {
	out := domain.ICECandidatePayload{
		Candidate:     init.Candidate,
		SDPMLineIndex: init.SDPMLineIndex,
	}
	if init.SDPMid != nil {
		out.SDPMid = *init.SDPMid
	}
	return out
}

func mapState(state pion.PeerConnectionState) domain.PeerState {
	switch state {
	case pion.PeerConnectionStateConnecting:
		return domain.PeerStateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.PeerStateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.PeerStateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.PeerStateFailed
	case pion.PeerConnectionStateClosed:
		return domain.PeerStateClosed
	default:
		return domain.PeerStateNew
	}
}

// isLoopback reports whether the candidate's connection address is a
// loopback IP. Host names such as mDNS .local addresses are never loopback.
func isLoopback(candidate string) bool {
	fields := strings.Fields(strings.TrimPrefix(candidate, "a="))
	if len(fields) < 5 {
		return false
	}
	ip := net.ParseIP(fields[4])
	return ip != nil && ip.IsLoopback()
}
