package domain

import "context"

// DeviceAuthAPI is the backend surface used by the device authorization flow.
type DeviceAuthAPI interface {
	StartDevice(ctx context.Context) (*DeviceAuthorization, error)
	PollDevice(ctx context.Context, deviceCode string) (*PollResult, error)
}

// SessionAPI is the backend surface used to join and leave remote sessions.
type SessionAPI interface {
	JoinSession(ctx context.Context, appToken, code string) (string, error)
	CloseSession(ctx context.Context, appToken, sessionID string) error
	SignedTopic(ctx context.Context, appToken, sessionID string) (*ChannelCredentials, error)
	ICEServers(ctx context.Context) ([]ICEServer, error)
}

// AuthHandler receives device authorization events.
type AuthHandler interface {
	OnDeviceCode(auth DeviceAuthorization)
	OnPending()
	OnApproved(session BearerSession)
	OnPollError(err error, consecutive int)
	OnExpired()
}

// ChannelHandler receives relay channel events.
type ChannelHandler interface {
	OnJoined()
	OnSignal(sig Signal)
	OnError(err error)
	OnClosed()
}

// Signaler carries outbound signaling messages to the remote peer.
type Signaler interface {
	SendSignal(sig Signal)
}

// NegotiationHandler receives peer negotiation events.
type NegotiationHandler interface {
	OnStateChange(state PeerState)
	OnNegotiationFailed(err error)
}

// PeerConnection is the capability the negotiation engine drives. One
// adapter exists per media transport library.
type PeerConnection interface {
	ApplyRemoteDescription(sdp SDPPayload) error
	CreateAnswer() (SDPPayload, error)
	ApplyLocalDescription(sdp SDPPayload) error
	AddRemoteCandidate(candidate ICECandidatePayload) error
	OnStateChange(fn func(PeerState))
	OnLocalCandidate(fn func(ICECandidatePayload))
	OnGatheringComplete(fn func())
	OnLocalDescription(fn func(SDPPayload))
	OnDataChannel(fn func(DataChannel))
	Close() error
}

// PeerFactory creates a peer connection configured with the given ICE servers.
type PeerFactory func(servers []ICEServer) (PeerConnection, error)

// DataChannel is a negotiated data channel on a peer connection.
type DataChannel interface {
	Label() string
	OnMessage(fn func(text string))
	SendText(text string) error
}

// InputSink applies a decoded control event to the operating system.
type InputSink interface {
	HandleEvent(ev InputEvent) error
}

// CaptureSource produces screen or audio frames for the peer connection.
type CaptureSource interface {
	Start(opts CaptureOptions) error
	Stop()
}
