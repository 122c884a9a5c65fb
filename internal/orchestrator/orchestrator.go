// Package orchestrator ties the host together: device authorization, session
// redemption, the relay channel and peer negotiation, driven from a single
// event loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"remotedesk/host/internal/domain"
)

const (
	// DefaultMaxPollFailures is how many consecutive failed polls abandon
	// a device authorization.
	DefaultMaxPollFailures = 5
	// DefaultMaxReconnects bounds relay reconnect attempts per session.
	DefaultMaxReconnects = 3
	// DefaultReconnectDelay is the wait before each reconnect attempt.
	DefaultReconnectDelay = 2 * time.Second

	eventBuffer = 64
)

// AuthFlow is the device authorization flow as seen by the orchestrator.
type AuthFlow interface {
	Start(ctx context.Context) error
	Cancel()
}

// Sessions redeems session codes and refreshes relay credentials.
type Sessions interface {
	JoinByCode(ctx context.Context, code, appToken string) (*domain.JoinBundle, error)
	Refresh(ctx context.Context, sessionID, appToken string) (*domain.JoinBundle, error)
	CloseSession(ctx context.Context, sessionID, appToken string)
}

// Channel is a relay channel client.
type Channel interface {
	domain.Signaler
	Connect(ctx context.Context, creds domain.ChannelCredentials, appToken string) error
	Disconnect()
}

// Negotiator is a peer negotiation engine.
type Negotiator interface {
	Start() error
	HandleSignal(sig domain.Signal) error
	SetAllowControl(enabled bool)
	Stop()
}

// Observer is notified of everything a user interface would show. Calls are
// made from the orchestrator loop and must not block.
type Observer interface {
	OnDeviceCode(auth domain.DeviceAuthorization)
	OnApproved(session domain.BearerSession)
	OnSessionJoined(session domain.RemoteSession)
	OnChannelJoined()
	OnPeerState(state domain.PeerState)
	OnDisconnected()
	OnError(err error)
}

// Config wires the orchestrator to its components.
type Config struct {
	NewAuth       func(handler domain.AuthHandler) AuthFlow
	Sessions      Sessions
	NewChannel    func(handler domain.ChannelHandler) Channel
	NewNegotiator func(bundle domain.JoinBundle, signaler domain.Signaler, handler domain.NegotiationHandler, allowControl bool) Negotiator
	Observer      Observer

	// SessionCode, when set, is joined as soon as the device is approved.
	SessionCode     string
	AllowControl    bool
	MaxPollFailures int
	MaxReconnects   int
	ReconnectDelay  time.Duration
}

// Orchestrator owns the bearer session and at most one remote session.
type Orchestrator struct {
	cfg    Config
	events chan event
	done   chan struct{}

	// Everything below is owned by the Run goroutine.
	ctx          context.Context
	flow         AuthFlow
	authGen      uint64
	bearer       *domain.BearerSession
	pendingCode  string
	allowControl bool

	gen           uint64
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	session       *domain.RemoteSession
	sessionToken  string
	bundle        *domain.JoinBundle
	channel       Channel
	engine        Negotiator
	reconnects    int
}

// New creates an orchestrator. Nothing happens until Run is called.
func New(cfg Config) *Orchestrator {
	if cfg.MaxPollFailures == 0 {
		cfg.MaxPollFailures = DefaultMaxPollFailures
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Orchestrator{
		cfg:          cfg,
		events:       make(chan event, eventBuffer),
		done:         make(chan struct{}),
		pendingCode:  cfg.SessionCode,
		allowControl: cfg.AllowControl,
	}
}

// Authorize starts a new device authorization, abandoning any in progress.
func (o *Orchestrator) Authorize() { o.post(authorizeRequest{}) }

// Join redeems code and connects to its session, replacing any current
// session. Malformed codes are rejected here, before any network call.
func (o *Orchestrator) Join(code string) error {
	if err := domain.ValidateCode(code); err != nil {
		return err
	}
	o.post(joinRequest{code: code})
	return nil
}

// Leave tears down the current session. The bearer session is kept.
func (o *Orchestrator) Leave() { o.post(leaveRequest{}) }

// SetAllowControl toggles routing of remote input events.
func (o *Orchestrator) SetAllowControl(enabled bool) {
	o.post(allowControlRequest{enabled: enabled})
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

// Run processes events until ctx is cancelled, then tears everything down
// and closes the remote session.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	o.ctx = ctx
	o.sessionCtx, o.sessionCancel = context.WithCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case ev := <-o.events:
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev event) {
	switch ev := ev.(type) {
	case authorizeRequest:
		o.startAuth()
	case joinRequest:
		o.handleJoinRequest(ev.code)
	case leaveRequest:
		o.pendingCode = ""
		if o.session != nil {
			log.Printf("[orchestrator] leaving session %s", o.session.SessionID)
		}
		o.teardown(false)
	case allowControlRequest:
		o.allowControl = ev.enabled
		if o.engine != nil {
			o.engine.SetAllowControl(ev.enabled)
		}

	case deviceCodeIssued:
		if ev.authGen == o.authGen {
			o.cfg.Observer.OnDeviceCode(ev.auth)
		}
	case deviceApproved:
		o.handleApproved(ev)
	case pollFailed:
		o.handlePollFailed(ev)
	case authExpired:
		if ev.authGen == o.authGen {
			o.flow = nil
			o.cfg.Observer.OnError(domain.NewError(domain.KindExpiry, "device authorization", domain.ErrExpired))
		}
	case authFailed:
		if ev.authGen == o.authGen {
			o.flow = nil
			o.cfg.Observer.OnError(ev.err)
		}

	case joinResult:
		o.handleJoinResult(ev)
	case refreshResult:
		o.handleRefreshResult(ev)
	case connectFailed:
		if ev.gen == o.gen {
			o.channelLost(ev.err)
		}
	case channelJoined:
		o.handleChannelJoined(ev)
	case channelSignal:
		o.handleSignal(ev)
	case channelError:
		if ev.gen == o.gen {
			o.channelLost(ev.err)
		}
	case channelClosed:
		if ev.gen == o.gen {
			o.channelLost(errors.New("relay channel closed"))
		}
	case peerStateChanged:
		o.handlePeerState(ev)
	case negotiationFailed:
		if ev.gen == o.gen {
			o.cfg.Observer.OnError(ev.err)
			o.teardown(false)
		}
	}
}

func (o *Orchestrator) startAuth() {
	if o.flow != nil {
		o.flow.Cancel()
	}
	o.authGen++
	gen := o.authGen
	flow := o.cfg.NewAuth(authHandler{o: o, gen: gen})
	o.flow = flow

	log.Printf("[orchestrator] starting device authorization")
	ctx := o.ctx
	go func() {
		if err := flow.Start(ctx); err != nil {
			o.post(authFailed{authGen: gen, err: err})
		}
	}()
}

func (o *Orchestrator) handleApproved(ev deviceApproved) {
	if ev.authGen != o.authGen {
		return
	}
	bearer := ev.session
	o.bearer = &bearer
	o.flow = nil
	o.cfg.Observer.OnApproved(bearer)

	if o.pendingCode != "" {
		code := o.pendingCode
		o.pendingCode = ""
		o.handleJoinRequest(code)
	}
}

func (o *Orchestrator) handlePollFailed(ev pollFailed) {
	if ev.authGen != o.authGen || o.flow == nil {
		return
	}
	if o.cfg.MaxPollFailures < 0 || ev.consecutive < o.cfg.MaxPollFailures {
		return
	}
	o.flow.Cancel()
	o.flow = nil
	o.cfg.Observer.OnError(fmt.Errorf("device authorization abandoned after %d failed polls: %w", ev.consecutive, ev.err))
}

func (o *Orchestrator) handleJoinRequest(code string) {
	if o.bearer == nil {
		o.cfg.Observer.OnError(domain.NewError(domain.KindState, "join", domain.ErrNotApproved))
		return
	}
	o.teardown(false)

	gen, ctx := o.nextGeneration()
	token := o.bearer.AppToken
	log.Printf("[orchestrator] joining session with code")
	go func() {
		bundle, err := o.cfg.Sessions.JoinByCode(ctx, code, token)
		o.post(joinResult{gen: gen, code: code, token: token, bundle: bundle, err: err})
	}()
}

func (o *Orchestrator) handleJoinResult(ev joinResult) {
	if ev.gen != o.gen {
		if ev.bundle != nil {
			// Superseded by a newer join or a leave.
			go o.cfg.Sessions.CloseSession(context.Background(), ev.bundle.Session.SessionID, ev.token)
		}
		return
	}
	if ev.err != nil {
		if errors.Is(ev.err, domain.ErrUnauthorized) {
			o.pendingCode = ev.code
			o.reauthorize(ev.err)
			return
		}
		o.cfg.Observer.OnError(ev.err)
		return
	}

	remote := ev.bundle.Session
	o.session = &remote
	o.sessionToken = ev.token
	o.reconnects = 0
	log.Printf("[orchestrator] session %s joined, connecting relay channel", remote.SessionID)
	o.cfg.Observer.OnSessionJoined(remote)
	o.connect(ev.bundle)
}

func (o *Orchestrator) handleRefreshResult(ev refreshResult) {
	if ev.gen != o.gen || o.session == nil {
		return
	}
	if ev.err != nil {
		if errors.Is(ev.err, domain.ErrUnauthorized) {
			o.reauthorize(ev.err)
			return
		}
		o.scheduleReconnect(ev.err)
		return
	}
	o.connect(ev.bundle)
}

func (o *Orchestrator) connect(bundle *domain.JoinBundle) {
	o.bundle = bundle
	if len(bundle.ICEServers) == 0 {
		log.Printf("[orchestrator] warning: empty ICE server list, connectivity may be limited")
	}

	gen, ctx := o.gen, o.sessionCtx
	ch := o.cfg.NewChannel(channelHandler{o: o, gen: gen})
	o.channel = ch
	creds, token := bundle.Credentials, o.sessionToken
	go func() {
		if err := ch.Connect(ctx, creds, token); err != nil {
			o.post(connectFailed{gen: gen, err: err})
		}
	}()
}

func (o *Orchestrator) handleChannelJoined(ev channelJoined) {
	if ev.gen != o.gen || o.channel == nil {
		return
	}
	o.cfg.Observer.OnChannelJoined()
	if o.engine != nil {
		return
	}

	eng := o.cfg.NewNegotiator(*o.bundle, o.channel, negotiationHandler{o: o, gen: o.gen}, o.allowControl)
	if err := eng.Start(); err != nil {
		o.cfg.Observer.OnError(err)
		o.teardown(false)
		return
	}
	o.engine = eng
}

func (o *Orchestrator) handleSignal(ev channelSignal) {
	if ev.gen != o.gen {
		return
	}
	if o.engine == nil {
		log.Printf("[orchestrator] %v", domain.NewError(domain.KindState, "signal "+ev.sig.Type, domain.ErrNotReady))
		return
	}
	o.engine.HandleSignal(ev.sig)
}

func (o *Orchestrator) handlePeerState(ev peerStateChanged) {
	if ev.gen != o.gen {
		return
	}
	o.cfg.Observer.OnPeerState(ev.state)
	switch ev.state {
	case domain.PeerStateConnected:
		o.reconnects = 0
	case domain.PeerStateFailed:
		o.cfg.Observer.OnError(domain.NewError(domain.KindTransport, "peer connection", errors.New("peer connection failed")))
		o.teardown(false)
	}
}

// channelLost drops the channel and engine of the active session and tries
// to reconnect with fresh credentials.
func (o *Orchestrator) channelLost(cause error) {
	if o.session == nil {
		return
	}
	log.Printf("[orchestrator] relay channel lost: %v", cause)
	o.stopTransport()
	o.cfg.Observer.OnDisconnected()
	o.scheduleReconnect(cause)
}

func (o *Orchestrator) scheduleReconnect(cause error) {
	if o.reconnects >= o.cfg.MaxReconnects {
		o.cfg.Observer.OnError(fmt.Errorf("relay channel lost after %d reconnects: %w", o.reconnects, cause))
		o.teardown(false)
		return
	}
	o.reconnects++

	gen, ctx := o.nextGeneration()
	sessionID, token := o.session.SessionID, o.sessionToken
	delay := o.cfg.ReconnectDelay
	log.Printf("[orchestrator] reconnecting to session %s in %s (attempt %d/%d)", sessionID, delay, o.reconnects, o.cfg.MaxReconnects)
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		bundle, err := o.cfg.Sessions.Refresh(ctx, sessionID, token)
		o.post(refreshResult{gen: gen, bundle: bundle, err: err})
	}()
}

// reauthorize handles a rejected bearer token: the session is dropped and
// a new device authorization is started.
func (o *Orchestrator) reauthorize(cause error) {
	log.Printf("[orchestrator] bearer rejected, authorizing again: %v", cause)
	o.cfg.Observer.OnError(cause)
	o.teardown(false)
	o.bearer = nil
	o.startAuth()
}

// nextGeneration invalidates every in-flight callback and operation.
func (o *Orchestrator) nextGeneration() (uint64, context.Context) {
	o.sessionCancel()
	o.gen++
	o.sessionCtx, o.sessionCancel = context.WithCancel(o.ctx)
	return o.gen, o.sessionCtx
}

func (o *Orchestrator) stopTransport() {
	if o.engine != nil {
		o.engine.Stop()
		o.engine = nil
	}
	if o.channel != nil {
		o.channel.Disconnect()
		o.channel = nil
	}
}

// teardown releases the current session, if any. The remote close is
// best-effort; when wait is false it runs in the background.
func (o *Orchestrator) teardown(wait bool) {
	o.nextGeneration()
	hadChannel := o.channel != nil
	o.stopTransport()

	if o.session != nil {
		sessionID, token := o.session.SessionID, o.sessionToken
		if wait {
			o.cfg.Sessions.CloseSession(context.Background(), sessionID, token)
		} else {
			go o.cfg.Sessions.CloseSession(context.Background(), sessionID, token)
		}
	}
	o.session = nil
	o.sessionToken = ""
	o.bundle = nil
	o.reconnects = 0

	if hadChannel {
		o.cfg.Observer.OnDisconnected()
	}
}

func (o *Orchestrator) shutdown() {
	if o.flow != nil {
		o.flow.Cancel()
		o.flow = nil
	}
	o.teardown(true)
	o.sessionCancel()
	log.Printf("[orchestrator] stopped")
}

type nopObserver struct{}

func (nopObserver) OnDeviceCode(domain.DeviceAuthorization) {}
func (nopObserver) OnApproved(domain.BearerSession)         {}
func (nopObserver) OnSessionJoined(domain.RemoteSession)    {}
func (nopObserver) OnChannelJoined()                        {}
func (nopObserver) OnPeerState(domain.PeerState)            {}
func (nopObserver) OnDisconnected()                         {}
func (nopObserver) OnError(error)                           {}
