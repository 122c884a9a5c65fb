package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"remotedesk/host/internal/api"
	"remotedesk/host/internal/auth"
	"remotedesk/host/internal/config"
	"remotedesk/host/internal/domain"
	"remotedesk/host/internal/negotiation"
	"remotedesk/host/internal/orchestrator"
	"remotedesk/host/internal/platform"
	"remotedesk/host/internal/session"
	sigclient "remotedesk/host/internal/signal"
	"remotedesk/host/internal/webrtc"
)

const helpText = `remotedesk-host - Share this machine with a remote viewer over WebRTC

Usage:
  remotedesk-host [options]

On start the host requests a device code. Approve it in the app, then
enter the six digit session code shown by the viewer (or pass --code).

While running, type a session code to join, "leave" to end the session,
"control on" / "control off" to toggle remote input, or "quit".

Environment Variables (optional, flags take precedence):
  REMOTEDESK_API_BASE            Backend base URL
  REMOTEDESK_SESSION_CODE        Session code to join after approval
  REMOTEDESK_ALLOW_CONTROL       Allow remote input from the start
  REMOTEDESK_SCREEN              Screen index to capture
  REMOTEDESK_FPS                 Capture frame rate
  REMOTEDESK_HEARTBEAT_INTERVAL  Relay heartbeat period
  REMOTEDESK_NEGOTIATION_TIMEOUT Time allowed to reach a connected peer
  REMOTEDESK_HTTP_TIMEOUT        Backend request timeout
  REMOTEDESK_MAX_POLL_FAILURES   Failed polls before giving up authorization
  REMOTEDESK_MAX_RECONNECTS      Relay reconnect attempts per session
  REMOTEDESK_RECONNECT_DELAY     Wait before each reconnect

Examples:
  # Join a session as soon as the device is approved
  remotedesk-host --code 123456

  # Capture the second screen at 15 fps and allow remote control
  remotedesk-host -s 1 -f 15 --allow-control

Options:
`

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	flags := pflag.NewFlagSet("remotedesk-host", pflag.ContinueOnError)
	flags.StringVarP(&cfg.SessionCode, "code", "c", cfg.SessionCode, "session code to join after approval")
	flags.IntVarP(&cfg.ScreenIndex, "screen", "s", cfg.ScreenIndex, "screen index to capture")
	flags.IntVarP(&cfg.FPS, "fps", "f", cfg.FPS, "capture frame rate")
	flags.BoolVar(&cfg.AllowControl, "allow-control", cfg.AllowControl, "allow the viewer to send input")
	flags.StringVar(&cfg.APIBase, "api-base", cfg.APIBase, "backend base URL")
	help := flags.BoolP("help", "h", false, "show this help message")
	flags.Usage = func() {}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flags)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		printHelp(flags)
		os.Exit(2)
	}
	if *help {
		printHelp(flags)
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	apiClient, err := api.NewClient(cfg.APIBase, api.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	input := platform.NewUnsupportedInput()
	capture := []domain.CaptureSource{
		platform.NewUnsupportedCapture("screen"),
		platform.NewUnsupportedCapture("audio"),
	}
	captureOpts := domain.CaptureOptions{ScreenIndex: cfg.ScreenIndex, FPS: cfg.FPS}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	console := newConsole(os.Stderr, cfg.SessionCode == "" && interactive, cancel)

	orch := orchestrator.New(orchestrator.Config{
		NewAuth: func(h domain.AuthHandler) orchestrator.AuthFlow {
			return auth.New(apiClient, h)
		},
		Sessions: session.NewCoordinator(apiClient),
		NewChannel: func(h domain.ChannelHandler) orchestrator.Channel {
			return sigclient.NewClient(h, sigclient.WithHeartbeatInterval(cfg.HeartbeatInterval))
		},
		NewNegotiator: func(bundle domain.JoinBundle, s domain.Signaler, h domain.NegotiationHandler, allowControl bool) orchestrator.Negotiator {
			return negotiation.New(negotiation.Config{
				ICEServers:     bundle.ICEServers,
				NewPeer:        webrtc.NewPeerConnection,
				Signaler:       s,
				Handler:        h,
				Input:          input,
				Capture:        capture,
				CaptureOptions: captureOpts,
				AllowControl:   allowControl,
				Timeout:        cfg.NegotiationTimeout,
			})
		},
		Observer:        console,
		SessionCode:     cfg.SessionCode,
		AllowControl:    cfg.AllowControl,
		MaxPollFailures: cfg.MaxPollFailures,
		MaxReconnects:   cfg.MaxReconnects,
		ReconnectDelay:  cfg.ReconnectDelay,
	})

	if interactive {
		go console.readCommands(ctx, os.Stdin, orch)
	} else if cfg.SessionCode == "" {
		log.Printf("[main] stdin is not a terminal and no --code was given; the host will only authorize")
	}

	log.Printf("[main] using backend %s", cfg.APIBase)
	orch.Authorize()
	if err := orch.Run(ctx); err != nil {
		log.Fatalf("[main] %v", err)
	}

	if err := console.Err(); err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}
	log.Printf("[main] done")
}

func printHelp(flags *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, helpText)
	fmt.Fprint(os.Stderr, flags.FlagUsages())
}
