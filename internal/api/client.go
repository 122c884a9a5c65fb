package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"remotedesk/host/internal/domain"

	"github.com/google/uuid"
)

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://ruoshui.fun/api"

const (
	pathDeviceStart  = "/device/start"
	pathDevicePoll   = "/device/poll"
	pathSessionJoin  = "/sessions/join"
	pathSessionClose = "/sessions/close"
	pathSignedTopic  = "/realtime/signed-topic"
	pathICE          = "/ice"

	hostRole = "host"
)

// Client calls the RemoteDesk backend. It implements domain.DeviceAuthAPI
// and domain.SessionAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewClient creates an API client for the given base URL.
func NewClient(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api base url %q: scheme must be http or https", trimmed)
	}
	c := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// Unwrap lets errors.Is match domain.ErrUnauthorized on 401 responses.
func (e APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return domain.ErrUnauthorized
	}
	return nil
}

type devicePollRequest struct {
	DeviceCode string `json:"device_code"`
}

type joinRequest struct {
	Code6 string `json:"code6"`
	Role  string `json:"role"`
}

type joinResponse struct {
	SessionID string `json:"sessionId"`
}

type closeRequest struct {
	SessionID string `json:"sessionId"`
}

type signedTopicResponse struct {
	Endpoint    string          `json:"endpoint"`
	APIKey      string          `json:"apiKey"`
	Topic       string          `json:"topic"`
	SignedToken string          `json:"signedToken"`
	ExpiresAt   json.RawMessage `json:"expires_at"`
}

type iceResponse struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

// StartDevice requests a new device code.
func (c *Client) StartDevice(ctx context.Context) (*domain.DeviceAuthorization, error) {
	var resp domain.DeviceAuthorization
	if err := c.do(ctx, "device/start", http.MethodPost, pathDeviceStart, nil, struct{}{}, "", &resp); err != nil {
		return nil, err
	}
	if resp.DeviceCode == "" {
		return nil, domain.NewError(domain.KindProtocol, "device/start",
			fmt.Errorf("%w: missing device_code", domain.ErrMalformedResponse))
	}
	return &resp, nil
}

// PollDevice asks whether the device code has been approved.
func (c *Client) PollDevice(ctx context.Context, deviceCode string) (*domain.PollResult, error) {
	var resp domain.PollResult
	if err := c.do(ctx, "device/poll", http.MethodPost, pathDevicePoll, nil, devicePollRequest{DeviceCode: deviceCode}, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinSession redeems a session code. An empty session ID is returned as-is;
// the caller decides what a missing ID means.
func (c *Client) JoinSession(ctx context.Context, appToken, code string) (string, error) {
	var resp joinResponse
	if err := c.do(ctx, "sessions/join", http.MethodPost, pathSessionJoin, nil, joinRequest{Code6: code, Role: hostRole}, appToken, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// CloseSession notifies the backend that the host left the session. The
// response body is ignored.
func (c *Client) CloseSession(ctx context.Context, appToken, sessionID string) error {
	return c.do(ctx, "sessions/close", http.MethodPost, pathSessionClose, nil, closeRequest{SessionID: sessionID}, appToken, nil)
}

// SignedTopic fetches relay channel credentials for a session.
func (c *Client) SignedTopic(ctx context.Context, appToken, sessionID string) (*domain.ChannelCredentials, error) {
	query := url.Values{}
	query.Set("sessionId", sessionID)

	var resp signedTopicResponse
	if err := c.do(ctx, "realtime/signed-topic", http.MethodGet, pathSignedTopic, query, nil, appToken, &resp); err != nil {
		return nil, err
	}

	creds := &domain.ChannelCredentials{
		Endpoint:    resp.Endpoint,
		APIKey:      resp.APIKey,
		Topic:       resp.Topic,
		SignedToken: resp.SignedToken,
		ExpiresAt:   parseExpiry(resp.ExpiresAt),
	}
	if creds.ExpiresAt.IsZero() && creds.SignedToken != "" {
		creds.ExpiresAt = tokenExpiry(creds.SignedToken)
	}
	return creds, nil
}

// ICEServers fetches the traversal server list.
func (c *Client) ICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	var resp iceResponse
	if err := c.do(ctx, "ice", http.MethodGet, pathICE, nil, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, token string, v any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: create http request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewError(domain.KindTransport, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewError(domain.KindTransport, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.NewError(domain.KindTransport, op, APIError{
			Status:  resp.StatusCode,
			Message: errorMessage(respBody),
		})
	}

	if v == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, v); err != nil {
		return domain.NewError(domain.KindProtocol, op, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err))
	}
	return nil
}

// errorMessage extracts {"error": ...} or {"message": ...} from an error
// body, falling back to the trimmed body text.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func parseExpiry(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var seconds int64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		if seconds <= 0 {
			return time.Time{}
		}
		return time.Unix(seconds, 0)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil || text == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, text)
	if err != nil {
		log.Printf("[api] ignoring unparseable expires_at %q", text)
		return time.Time{}
	}
	return t
}
