// Package platform holds the OS-facing collaborators of the host: screen and
// audio capture and synthetic input injection. Platforms without a native
// implementation get the unsupported variants below so the rest of the host
// behaves identically everywhere.
package platform

import (
	"fmt"
	"log"
	"sync"

	"remotedesk/host/internal/domain"
)

// Input event kinds carried in InputEvent.T.
const (
	InputKey   = "key"
	InputMove  = "move"
	InputClick = "click"
	InputWheel = "wheel"
)

// Mouse buttons accepted by click events.
const (
	ButtonLeft   = 0
	ButtonMiddle = 1
	ButtonRight  = 2
)

// ValidateInputEvent checks that ev is a well-formed control event.
func ValidateInputEvent(ev domain.InputEvent) error {
	switch ev.T {
	case InputKey:
		if ev.Type != "down" && ev.Type != "up" {
			return invalid(ev, fmt.Errorf("key event type %q", ev.Type))
		}
	case InputMove, InputWheel:
	case InputClick:
		if ev.Button < ButtonLeft || ev.Button > ButtonRight {
			return invalid(ev, fmt.Errorf("button %d", ev.Button))
		}
	default:
		return invalid(ev, fmt.Errorf("unknown event kind %q", ev.T))
	}
	return nil
}

func invalid(ev domain.InputEvent, err error) error {
	return domain.NewError(domain.KindValidation, "input "+ev.T, err)
}

// UnsupportedInput is an input sink for platforms without injection support.
// Valid events are counted and rejected with ErrUnsupported.
type UnsupportedInput struct {
	mu      sync.Mutex
	dropped int
}

// NewUnsupportedInput creates an input sink that injects nothing.
func NewUnsupportedInput() *UnsupportedInput {
	return &UnsupportedInput{}
}

func (u *UnsupportedInput) HandleEvent(ev domain.InputEvent) error {
	if err := ValidateInputEvent(ev); err != nil {
		return err
	}
	u.mu.Lock()
	u.dropped++
	first := u.dropped == 1
	u.mu.Unlock()
	if first {
		log.Printf("[platform] input injection is not supported on this platform")
	}
	return domain.NewError(domain.KindState, "input "+ev.T, domain.ErrUnsupported)
}

// Dropped returns how many valid events were received and not injected.
func (u *UnsupportedInput) Dropped() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dropped
}

// UnsupportedCapture is a capture source for platforms without a capture
// backend. Start always fails with ErrUnsupported.
type UnsupportedCapture struct {
	name string
}

// NewUnsupportedCapture creates a capture source; name is used in logs
// ("screen", "audio").
func NewUnsupportedCapture(name string) *UnsupportedCapture {
	return &UnsupportedCapture{name: name}
}

func (c *UnsupportedCapture) Start(opts domain.CaptureOptions) error {
	if opts.FPS < 0 || opts.ScreenIndex < 0 {
		return domain.NewError(domain.KindValidation, c.name+" capture", fmt.Errorf("invalid options %+v", opts))
	}
	return domain.NewError(domain.KindState, c.name+" capture", domain.ErrUnsupported)
}

func (c *UnsupportedCapture) Stop() {}
