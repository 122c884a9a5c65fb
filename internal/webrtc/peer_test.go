package webrtc

import (
	"sync"
	"testing"

	"remotedesk/host/internal/domain"

	pion "github.com/pion/webrtc/v4"
)

func TestMapState(t *testing.T) {
	tests := []struct {
		in   pion.PeerConnectionState
		want domain.PeerState
	}{
		{pion.PeerConnectionStateUnknown, domain.PeerStateNew},
		{pion.PeerConnectionStateNew, domain.PeerStateNew},
		{pion.PeerConnectionStateConnecting, domain.PeerStateConnecting},
		{pion.PeerConnectionStateConnected, domain.PeerStateConnected},
		{pion.PeerConnectionStateDisconnected, domain.PeerStateDisconnected},
		{pion.PeerConnectionStateFailed, domain.PeerStateFailed},
		{pion.PeerConnectionStateClosed, domain.PeerStateClosed},
	}
	for _, tt := range tests {
		if got := mapState(tt.in); got != tt.want {
			t.Errorf("mapState(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		candidate string
		want      bool
	}{
		{"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host", true},
		{"candidate:1 1 udp 2130706431 127.0.0.2 50000 typ host", true},
		{"candidate:1 1 udp 2130706431 ::1 50000 typ host", true},
		{"a=candidate:1 1 udp 2130706431 ::1 50000 typ host", true},
		{"candidate:1 1 udp 2130706431 192.168.1.5 50000 typ host", false},
		{"candidate:1 1 udp 2130706431 2001:db8::1 50000 typ host", false},
		{"candidate:1 1 udp 2130706431 fe80::1 50000 typ host", false},
		{"candidate:1 1 udp 2130706431 3f2a6c1e-0b7d.local 50000 typ host", false},
		{"candidate:1 1 udp 1694498815 203.0.113.7 50000 typ srflx raddr 127.0.0.1 rport 50000", false},
		{"candidate:1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.candidate); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.candidate, got, tt.want)
		}
	}
}

func TestPeer_HoldsCandidatesUntilDescribed(t *testing.T) {
	p := &Peer{}
	var order []string
	p.OnLocalDescription(func(sdp domain.SDPPayload) { order = append(order, "description:"+sdp.Type) })
	p.OnLocalCandidate(func(c domain.ICECandidatePayload) { order = append(order, c.Candidate) })
	p.OnGatheringComplete(func() { order = append(order, "gathered") })

	first := domain.ICECandidatePayload{Candidate: "candidate:1"}
	second := domain.ICECandidatePayload{Candidate: "candidate:2"}
	p.emit(&first)
	p.emit(&second)
	p.emit(nil)
	if len(order) != 0 {
		t.Fatalf("expected nothing delivered before the description, got %v", order)
	}

	p.describe(domain.SDPPayload{Type: "answer", SDP: "v=0"})
	want := []string{"description:answer", "candidate:1", "candidate:2", "gathered"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	third := domain.ICECandidatePayload{Candidate: "candidate:3"}
	p.emit(&third)
	if order[len(order)-1] != "candidate:3" {
		t.Errorf("expected candidates after the description to pass straight through, got %v", order)
	}
}

func TestICEServers_SkipsEmptyURLs(t *testing.T) {
	out := iceServers([]domain.ICEServer{
		{URLs: nil},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	})
	if len(out) != 1 {
		t.Fatalf("expected 1 server, got %d", len(out))
	}
	if out[0].Username != "u" || out[0].Credential != "p" {
		t.Errorf("unexpected server %+v", out[0])
	}
}

func TestCandidatePayload_KeepsAbsentIndex(t *testing.T) {
	got := candidatePayload(pion.ICECandidateInit{Candidate: "candidate:1"})
	if got.SDPMLineIndex != nil {
		t.Errorf("expected nil index, got %d", *got.SDPMLineIndex)
	}
	if got.SDPMid != "" {
		t.Errorf("expected empty mid, got %q", got.SDPMid)
	}

	mid, idx := "0", uint16(1)
	got = candidatePayload(pion.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx})
	if got.SDPMid != "0" || got.SDPMLineIndex == nil || *got.SDPMLineIndex != 1 {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestPeer_AnswersOffer(t *testing.T) {
	offerer, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("offerer: %v", err)
	}
	defer offerer.Close()
	if _, err := offerer.CreateDataChannel("input", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}

	p, err := NewPeer(nil)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	var (
		mu        sync.Mutex
		described []domain.SDPPayload
		early     int
	)
	p.OnLocalDescription(func(sdp domain.SDPPayload) {
		mu.Lock()
		defer mu.Unlock()
		described = append(described, sdp)
	})
	p.OnLocalCandidate(func(domain.ICECandidatePayload) {
		mu.Lock()
		defer mu.Unlock()
		if len(described) == 0 {
			early++
		}
	})

	if err := p.ApplyRemoteDescription(domain.SDPPayload{Type: "offer", SDP: offer.SDP}); err != nil {
		t.Fatalf("ApplyRemoteDescription: %v", err)
	}
	answer, err := p.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if err := p.ApplyLocalDescription(answer); err != nil {
		t.Fatalf("ApplyLocalDescription: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(described) != 1 || described[0].Type != "answer" {
		t.Errorf("expected one answer description, got %+v", described)
	}
	if early != 0 {
		t.Errorf("%d candidates delivered before the answer", early)
	}
}

func TestPeer_RejectsUnknownSDPType(t *testing.T) {
	p, err := NewPeer(nil)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	if err := p.ApplyRemoteDescription(domain.SDPPayload{Type: "bogus", SDP: "v=0"}); err == nil {
		t.Error("expected error for unknown sdp type")
	}
}
