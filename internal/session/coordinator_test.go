package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"remotedesk/host/internal/domain"
)

// mockAPI records calls for verification.
type mockAPI struct {
	sessionID string
	joinErr   error
	creds     *domain.ChannelCredentials
	credsErr  error
	servers   []domain.ICEServer
	iceErr    error
	closeErr  error

	joinCalls   int
	topicCalls  int
	iceCalls    int
	closeCalled string
	closeCtxErr error
	onTopic     func()
}

func (m *mockAPI) JoinSession(ctx context.Context, appToken, code string) (string, error) {
	m.joinCalls++
	return m.sessionID, m.joinErr
}

func (m *mockAPI) CloseSession(ctx context.Context, appToken, sessionID string) error {
	m.closeCalled = sessionID
	m.closeCtxErr = ctx.Err()
	return m.closeErr
}

func (m *mockAPI) SignedTopic(ctx context.Context, appToken, sessionID string) (*domain.ChannelCredentials, error) {
	m.topicCalls++
	if m.onTopic != nil {
		m.onTopic()
	}
	return m.creds, m.credsErr
}

func (m *mockAPI) ICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	m.iceCalls++
	return m.servers, m.iceErr
}

func TestJoinByCode_InvalidCodeMakesNoCalls(t *testing.T) {
	api := &mockAPI{sessionID: "S1"}
	c := NewCoordinator(api)

	if _, err := c.JoinByCode(context.Background(), "12345a", "T1"); !errors.Is(err, domain.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if api.joinCalls != 0 {
		t.Errorf("expected no network call, got %d", api.joinCalls)
	}
}

func TestJoinByCode_Success(t *testing.T) {
	api := &mockAPI{
		sessionID: "S1",
		creds:     &domain.ChannelCredentials{Endpoint: "e", APIKey: "k", Topic: "remote:S1"},
		servers:   []domain.ICEServer{},
	}
	c := NewCoordinator(api)

	bundle, err := c.JoinByCode(context.Background(), "123456", "T1")
	if err != nil {
		t.Fatalf("JoinByCode: %v", err)
	}
	if bundle.Session.SessionID != "S1" {
		t.Errorf("expected session S1, got %q", bundle.Session.SessionID)
	}
	if bundle.Credentials.Topic != "remote:S1" {
		t.Errorf("expected topic remote:S1, got %q", bundle.Credentials.Topic)
	}
	if len(bundle.ICEServers) != 0 {
		t.Errorf("expected no ICE servers, got %d", len(bundle.ICEServers))
	}
}

func TestJoinByCode_MissingSessionID(t *testing.T) {
	api := &mockAPI{sessionID: ""}
	c := NewCoordinator(api)

	bundle, err := c.JoinByCode(context.Background(), "123456", "T1")
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if bundle != nil {
		t.Error("expected no bundle")
	}
	if api.topicCalls != 0 {
		t.Error("credentials must not be fetched without a session")
	}
	if api.closeCalled != "" {
		t.Errorf("nothing to close without a session id, got %q", api.closeCalled)
	}
}

func TestJoinByCode_IncompleteCredentials(t *testing.T) {
	api := &mockAPI{
		sessionID: "S1",
		creds:     &domain.ChannelCredentials{Endpoint: "e", Topic: "remote:S1"},
	}
	c := NewCoordinator(api)

	bundle, err := c.JoinByCode(context.Background(), "123456", "T1")
	if !errors.Is(err, domain.ErrIncompleteCredentials) {
		t.Fatalf("expected ErrIncompleteCredentials, got %v", err)
	}
	if bundle != nil {
		t.Error("expected the session to be discarded")
	}
	if api.closeCalled != "S1" {
		t.Errorf("expected the joined session to be closed, got %q", api.closeCalled)
	}
	if api.iceCalls != 0 {
		t.Error("ICE servers must not be fetched after a credential failure")
	}
}

func TestJoinByCode_ExpiredCredentials(t *testing.T) {
	api := &mockAPI{
		sessionID: "S1",
		creds: &domain.ChannelCredentials{
			Endpoint: "e", APIKey: "k", Topic: "t",
			ExpiresAt: time.Now().Add(-time.Minute),
		},
	}
	c := NewCoordinator(api)

	_, err := c.JoinByCode(context.Background(), "123456", "T1")
	if !errors.Is(err, domain.ErrExpired) || domain.KindOf(err) != domain.KindExpiry {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestJoinByCode_ICEFailure(t *testing.T) {
	api := &mockAPI{
		sessionID: "S1",
		creds:     &domain.ChannelCredentials{Endpoint: "e", APIKey: "k", Topic: "t"},
		iceErr:    errors.New("http 502"),
	}
	c := NewCoordinator(api)

	if bundle, err := c.JoinByCode(context.Background(), "123456", "T1"); err == nil || bundle != nil {
		t.Fatalf("expected failure without bundle, got %v %v", bundle, err)
	}
	if api.closeCalled != "S1" {
		t.Errorf("expected the joined session to be closed, got %q", api.closeCalled)
	}
}

func TestJoinByCode_RefreshFailureClosesAfterCancel(t *testing.T) {
	api := &mockAPI{sessionID: "S1", credsErr: errors.New("http 503")}
	c := NewCoordinator(api)

	ctx, cancel := context.WithCancel(context.Background())
	api.onTopic = cancel

	if _, err := c.JoinByCode(ctx, "123456", "T1"); err == nil {
		t.Fatal("expected credential failure")
	}
	if api.closeCalled != "S1" {
		t.Errorf("expected close for S1, got %q", api.closeCalled)
	}
	if api.closeCtxErr != nil {
		t.Errorf("close must not inherit the cancelled join context, got %v", api.closeCtxErr)
	}
}

func TestJoinByCode_JoinErrorWrapped(t *testing.T) {
	api := &mockAPI{joinErr: domain.NewError(domain.KindTransport, "sessions/join", domain.ErrUnauthorized)}
	c := NewCoordinator(api)

	_, err := c.JoinByCode(context.Background(), "123456", "T1")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized in chain, got %v", err)
	}
}

func TestCloseSession_SwallowsErrors(t *testing.T) {
	api := &mockAPI{closeErr: errors.New("http 500")}
	c := NewCoordinator(api)

	c.CloseSession(context.Background(), "S1", "T1")
	if api.closeCalled != "S1" {
		t.Errorf("expected close for S1, got %q", api.closeCalled)
	}
}

func TestCloseSession_EmptyIDSkipsCall(t *testing.T) {
	api := &mockAPI{}
	c := NewCoordinator(api)

	c.CloseSession(context.Background(), "", "T1")
	if api.closeCalled != "" {
		t.Error("expected no close call")
	}
}
