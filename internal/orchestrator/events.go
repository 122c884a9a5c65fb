package orchestrator

import "remotedesk/host/internal/domain"

// event is anything the orchestrator loop consumes. Component callbacks and
// public requests are all turned into events so that orchestrator state is
// only touched from Run.
type event interface {
	isEvent()
}

type authorizeRequest struct{}

type joinRequest struct {
	code string
}

type leaveRequest struct{}

type allowControlRequest struct {
	enabled bool
}

type deviceCodeIssued struct {
	authGen uint64
	auth    domain.DeviceAuthorization
}

type deviceApproved struct {
	authGen uint64
	session domain.BearerSession
}

type pollFailed struct {
	authGen     uint64
	err         error
	consecutive int
}

type authExpired struct {
	authGen uint64
}

type authFailed struct {
	authGen uint64
	err     error
}

type joinResult struct {
	gen    uint64
	code   string
	token  string
	bundle *domain.JoinBundle
	err    error
}

type refreshResult struct {
	gen    uint64
	bundle *domain.JoinBundle
	err    error
}

type connectFailed struct {
	gen uint64
	err error
}

type channelJoined struct {
	gen uint64
}

type channelSignal struct {
	gen uint64
	sig domain.Signal
}

type channelError struct {
	gen uint64
	err error
}

type channelClosed struct {
	gen uint64
}

type peerStateChanged struct {
	gen   uint64
	state domain.PeerState
}

type negotiationFailed struct {
	gen uint64
	err error
}

func (authorizeRequest) isEvent()    {}
func (joinRequest) isEvent()         {}
func (leaveRequest) isEvent()        {}
func (allowControlRequest) isEvent() {}
func (deviceCodeIssued) isEvent()    {}
func (deviceApproved) isEvent()      {}
func (pollFailed) isEvent()          {}
func (authExpired) isEvent()         {}
func (authFailed) isEvent()          {}
func (joinResult) isEvent()          {}
func (refreshResult) isEvent()       {}
func (connectFailed) isEvent()       {}
func (channelJoined) isEvent()       {}
func (channelSignal) isEvent()       {}
func (channelError) isEvent()        {}
func (channelClosed) isEvent()       {}
func (peerStateChanged) isEvent()    {}
func (negotiationFailed) isEvent()   {}

// authHandler forwards device authorization callbacks for one flow.
type authHandler struct {
	o   *Orchestrator
	gen uint64
}

func (h authHandler) OnDeviceCode(auth domain.DeviceAuthorization) {
	h.o.post(deviceCodeIssued{authGen: h.gen, auth: auth})
}

func (h authHandler) OnPending() {}

func (h authHandler) OnApproved(session domain.BearerSession) {
	h.o.post(deviceApproved{authGen: h.gen, session: session})
}

func (h authHandler) OnPollError(err error, consecutive int) {
	h.o.post(pollFailed{authGen: h.gen, err: err, consecutive: consecutive})
}

func (h authHandler) OnExpired() {
	h.o.post(authExpired{authGen: h.gen})
}

// channelHandler forwards relay channel callbacks for one connection attempt.
type channelHandler struct {
	o   *Orchestrator
	gen uint64
}

func (h channelHandler) OnJoined()                  { h.o.post(channelJoined{gen: h.gen}) }
func (h channelHandler) OnSignal(sig domain.Signal) { h.o.post(channelSignal{gen: h.gen, sig: sig}) }
func (h channelHandler) OnError(err error)          { h.o.post(channelError{gen: h.gen, err: err}) }
func (h channelHandler) OnClosed()                  { h.o.post(channelClosed{gen: h.gen}) }

// negotiationHandler forwards peer negotiation callbacks for one engine.
type negotiationHandler struct {
	o   *Orchestrator
	gen uint64
}

func (h negotiationHandler) OnStateChange(state domain.PeerState) {
	h.o.post(peerStateChanged{gen: h.gen, state: state})
}

func (h negotiationHandler) OnNegotiationFailed(err error) {
	h.o.post(negotiationFailed{gen: h.gen, err: err})
}
