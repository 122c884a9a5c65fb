package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"remotedesk/host/internal/domain"
)

// controller is the part of the orchestrator the console drives.
type controller interface {
	Join(code string) error
	Leave()
	SetAllowControl(enabled bool)
}

// console reports orchestrator progress on the terminal and turns typed
// lines into requests.
type console struct {
	out    io.Writer
	prompt bool
	quit   context.CancelFunc

	mu       sync.Mutex
	approved bool
	err      error
}

func newConsole(out io.Writer, prompt bool, quit context.CancelFunc) *console {
	return &console{out: out, prompt: prompt, quit: quit}
}

func (c *console) OnDeviceCode(auth domain.DeviceAuthorization) {
	fmt.Fprintf(c.out, "\nTo authorize this host, open %s and enter code %s\n\n", auth.VerificationURI, auth.UserCode)
}

func (c *console) OnApproved(session domain.BearerSession) {
	c.mu.Lock()
	c.approved = true
	c.mu.Unlock()
	log.Printf("[main] host authorized for user %s", session.UserID)
	if c.prompt {
		fmt.Fprint(c.out, "Enter the session code shown by the viewer: ")
	}
}

func (c *console) OnSessionJoined(session domain.RemoteSession) {
	log.Printf("[main] joined session %s", session.SessionID)
}

func (c *console) OnChannelJoined() {
	log.Printf("[main] relay channel ready, waiting for the viewer's offer")
}

func (c *console) OnPeerState(state domain.PeerState) {
	log.Printf("[main] peer %s", state)
}

func (c *console) OnDisconnected() {
	log.Printf("[main] session transport disconnected")
}

func (c *console) OnError(err error) {
	log.Printf("[main] error: %v", err)

	c.mu.Lock()
	approved := c.approved
	c.mu.Unlock()
	// Without an approved device there is nothing left to do.
	if !approved && (errors.Is(err, domain.ErrExpired) || domain.KindOf(err) == domain.KindTransport) {
		c.fail(err)
	}
}

// Err returns the error that stopped the host, if any.
func (c *console) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *console) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.quit()
}

func (c *console) readCommands(ctx context.Context, in io.Reader, ctl controller) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		c.handleLine(strings.TrimSpace(scanner.Text()), ctl)
	}
}

func (c *console) handleLine(line string, ctl controller) {
	switch strings.ToLower(line) {
	case "":
	case "leave":
		ctl.Leave()
	case "control on":
		ctl.SetAllowControl(true)
	case "control off":
		ctl.SetAllowControl(false)
	case "quit", "exit":
		c.quit()
	default:
		if err := ctl.Join(line); err != nil {
			fmt.Fprintf(c.out, "%q is not a session code: %v\n", line, err)
		}
	}
}
