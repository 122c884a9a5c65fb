// Package session redeems session codes and gathers everything the host
// needs to open the relay channel.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"remotedesk/host/internal/domain"
)

// closeTimeout bounds the best-effort sessions/close call.
const closeTimeout = 5 * time.Second

// Coordinator joins and leaves remote sessions.
type Coordinator struct {
	api domain.SessionAPI
	now func() time.Time
}

// NewCoordinator creates a Coordinator backed by api.
func NewCoordinator(api domain.SessionAPI) *Coordinator {
	return &Coordinator{api: api, now: time.Now}
}

// JoinByCode redeems code for a session and fetches its relay credentials
// and ICE servers. Either the whole bundle is returned or nothing is; a
// session joined on the backend but left without a bundle is closed again.
func (c *Coordinator) JoinByCode(ctx context.Context, code, appToken string) (*domain.JoinBundle, error) {
	if err := domain.ValidateCode(code); err != nil {
		return nil, err
	}

	sessionID, err := c.api.JoinSession(ctx, appToken, code)
	if err != nil {
		return nil, fmt.Errorf("join session: %w", err)
	}
	if sessionID == "" {
		return nil, domain.NewError(domain.KindProtocol, "sessions/join",
			fmt.Errorf("%w: missing sessionId", domain.ErrMalformedResponse))
	}
	log.Printf("[session] joined session %s", sessionID)

	bundle, err := c.Refresh(ctx, sessionID, appToken)
	if err != nil {
		c.CloseSession(context.WithoutCancel(ctx), sessionID, appToken)
		return nil, err
	}
	return bundle, nil
}

// Refresh fetches fresh relay credentials and ICE servers for an existing
// session. Credentials are time-limited, so reconnects use this rather than
// reusing the previous set.
func (c *Coordinator) Refresh(ctx context.Context, sessionID, appToken string) (*domain.JoinBundle, error) {
	creds, err := c.api.SignedTopic(ctx, appToken, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch realtime credentials: %w", err)
	}
	if !creds.Complete() {
		return nil, domain.NewError(domain.KindProtocol, "realtime/signed-topic", domain.ErrIncompleteCredentials)
	}
	if creds.Expired(c.now()) {
		return nil, domain.NewError(domain.KindExpiry, "realtime/signed-topic",
			fmt.Errorf("credentials %w at %s", domain.ErrExpired, creds.ExpiresAt.Format(time.RFC3339)))
	}

	servers, err := c.api.ICEServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	if len(servers) == 0 {
		log.Printf("[session] warning: no ICE servers configured, only host candidates will be gathered")
	}

	return &domain.JoinBundle{
		Session:     domain.RemoteSession{SessionID: sessionID},
		Credentials: *creds,
		ICEServers:  servers,
	}, nil
}

// CloseSession tells the backend the host left. Failures are logged and
// swallowed: local teardown proceeds regardless.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID, appToken string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	if err := c.api.CloseSession(ctx, appToken, sessionID); err != nil {
		log.Printf("[session] close session %s: %v", sessionID, err)
		return
	}
	log.Printf("[session] closed session %s", sessionID)
}
