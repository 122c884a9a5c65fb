// Package auth implements the device authorization flow: request a device
// code, then poll until the user approves it out of band.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"remotedesk/host/internal/domain"
)

const (
	// DefaultIntervalSeconds applies when the server omits or sends a non-positive interval.
	DefaultIntervalSeconds = 5
	// DefaultExpirySeconds applies when the server omits expires_in.
	DefaultExpirySeconds = 600
)

// State is the flow's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateAwaitingApproval
	StateApproved
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateAwaitingApproval:
		return "awaiting-approval"
	case StateApproved:
		return "approved"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Flow drives one device authorization. It is safe for concurrent use.
type Flow struct {
	api     domain.DeviceAuthAPI
	handler domain.AuthHandler
	unit    time.Duration
	now     func() time.Time

	mu       sync.Mutex
	state    State
	auth     *domain.DeviceAuthorization
	session  *domain.BearerSession
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option customises a Flow.
type Option func(*Flow)

// WithTimeUnit scales the server's interval and expires_in values, which are
// expressed in seconds. Tests use it to run the flow in milliseconds.
func WithTimeUnit(unit time.Duration) Option {
	return func(f *Flow) {
		if unit > 0 {
			f.unit = unit
		}
	}
}

// New creates a flow reporting to handler.
func New(api domain.DeviceAuthAPI, handler domain.AuthHandler, opts ...Option) *Flow {
	f := &Flow{
		api:     api,
		handler: handler,
		unit:    time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Session returns the bearer session once approved.
func (f *Flow) Session() (domain.BearerSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return domain.BearerSession{}, false
	}
	return *f.session, true
}

// Start requests a device code and begins polling in the background. It
// may only be called once per Flow.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateIdle {
		state := f.state
		f.mu.Unlock()
		return domain.NewError(domain.KindState, "device/start", fmt.Errorf("flow is %s", state))
	}
	f.state = StateRequesting
	f.mu.Unlock()

	auth, err := f.api.StartDevice(ctx)

	f.mu.Lock()
	if f.state != StateRequesting {
		// Cancelled while the request was in flight.
		f.mu.Unlock()
		return domain.NewError(domain.KindState, "device/start", errors.New("flow cancelled"))
	}
	if err != nil {
		f.state = StateFailed
		f.mu.Unlock()
		return fmt.Errorf("start device authorization: %w", err)
	}

	if auth.IntervalSeconds <= 0 {
		auth.IntervalSeconds = DefaultIntervalSeconds
	}
	if auth.ExpiresIn <= 0 {
		auth.ExpiresIn = DefaultExpirySeconds
	}
	interval := time.Duration(auth.IntervalSeconds) * f.unit
	expiry := time.Duration(auth.ExpiresIn) * f.unit
	auth.ExpiresAt = f.now().Add(expiry)

	pollCtx, cancel := context.WithCancel(context.Background())
	f.auth = auth
	f.state = StateAwaitingApproval
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	issued := *auth
	f.mu.Unlock()

	log.Printf("[auth] device code issued: user_code=%s verification_uri=%s interval=%s", auth.UserCode, auth.VerificationURI, interval)
	f.handler.OnDeviceCode(issued)

	go f.pollLoop(pollCtx, interval, expiry, done)
	return nil
}

func (f *Flow) pollLoop(ctx context.Context, interval, expiry time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(expiry)
	defer deadline.Stop()

	for {
		select {
		case <-done:
			return
		case <-deadline.C:
			f.expire(done)
			return
		case <-ticker.C:
			if _, err := f.Poll(ctx); err != nil && domain.KindOf(err) == domain.KindState {
				return
			}
		}
	}
}

// Poll checks the device code once. It reports true when this call moved
// the flow to Approved. Pending replies and transport failures leave the
// flow awaiting approval.
func (f *Flow) Poll(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if f.state != StateAwaitingApproval {
		state := f.state
		f.mu.Unlock()
		return false, domain.NewError(domain.KindState, "device/poll", fmt.Errorf("flow is %s", state))
	}
	deviceCode := f.auth.DeviceCode
	done := f.done
	f.mu.Unlock()

	res, err := f.api.PollDevice(ctx, deviceCode)

	f.mu.Lock()
	if f.state != StateAwaitingApproval || f.done != done {
		// Cancelled, expired or approved by a concurrent poll; drop the result.
		f.mu.Unlock()
		return false, domain.NewError(domain.KindState, "device/poll", errors.New("flow no longer awaiting approval"))
	}

	if err != nil {
		f.failures++
		failures := f.failures
		f.mu.Unlock()
		log.Printf("[auth] poll failed (%d consecutive): %v", failures, err)
		f.handler.OnPollError(err, failures)
		return false, fmt.Errorf("poll device code: %w", err)
	}
	f.failures = 0

	if !res.Approved() {
		f.mu.Unlock()
		f.handler.OnPending()
		return false, nil
	}

	if res.AppToken == "" {
		f.mu.Unlock()
		err := domain.NewError(domain.KindProtocol, "device/poll",
			fmt.Errorf("%w: approved without app_token", domain.ErrMalformedResponse))
		log.Printf("[auth] %v", err)
		return false, err
	}

	session := domain.BearerSession{AppToken: res.AppToken, UserID: res.User.ID}
	f.session = &session
	f.auth = nil
	f.state = StateApproved
	f.stopLocked()
	f.mu.Unlock()

	log.Printf("[auth] device approved: %s", session)
	f.handler.OnApproved(session)
	return true, nil
}

// Cancel abandons the flow. No poll result is applied after Cancel returns.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateRequesting, StateAwaitingApproval:
		log.Printf("[auth] device authorization cancelled")
		f.state = StateFailed
		f.auth = nil
		f.stopLocked()
	case StateIdle:
		f.state = StateFailed
	}
}

func (f *Flow) expire(done chan struct{}) {
	f.mu.Lock()
	if f.state != StateAwaitingApproval || f.done != done {
		f.mu.Unlock()
		return
	}
	f.state = StateExpired
	f.auth = nil
	f.stopLocked()
	f.mu.Unlock()

	log.Printf("[auth] device code expired")
	f.handler.OnExpired()
}

// stopLocked halts polling. The caller must hold f.mu.
func (f *Flow) stopLocked() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
}
