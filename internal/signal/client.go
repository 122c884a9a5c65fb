package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"remotedesk/host/internal/domain"

	"github.com/gorilla/websocket"
)

// DefaultHeartbeatInterval keeps the channel well inside the relay's idle timeout.
const DefaultHeartbeatInterval = 30 * time.Second

const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventBroadcast = "broadcast"

	heartbeatTopic = "phoenix"
	signalEvent    = "signal"
	replyOK        = "ok"

	websocketPath = "/realtime/v1/websocket"
	protocolVsn   = "1.0.0"
	writeTimeout  = 10 * time.Second
)

// envelope is the outbound channel frame.
type envelope struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
}

// frame is the inbound channel frame. Payload and ref are decoded lazily
// because their shape depends on the event.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     json.RawMessage `json:"ref"`
}

type replyPayload struct {
	Status string `json:"status"`
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type outboundBroadcast struct {
	Type    string        `json:"type"`
	Event   string        `json:"event"`
	Payload domain.Signal `json:"payload"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Conn is the part of *websocket.Conn the client uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens the relay socket.
type Dialer func(ctx context.Context, urlStr string, header http.Header) (Conn, error)

// DialWebsocket dials with gorilla's default dialer.
func DialWebsocket(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: http %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// connection is one open socket and the goroutines serving it.
type connection struct {
	ws        Conn
	done      chan struct{}
	heartbeat sync.WaitGroup
}

// Client is a relay channel client: one socket, at most one joined topic.
// It implements domain.Signaler.
type Client struct {
	dial      Dialer
	handler   domain.ChannelHandler
	heartbeat time.Duration

	mu     sync.Mutex
	conn   *connection
	epoch  uint64
	topic  string
	ref    uint64
	joined bool
}

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dial = d
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// NewClient creates a relay channel client reporting to handler.
func NewClient(handler domain.ChannelHandler, opts ...Option) *Client {
	c := &Client{
		dial:      DialWebsocket,
		handler:   handler,
		heartbeat: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RealtimeURL builds the socket URL for a relay endpoint. A bare host gets
// the wss scheme and the realtime path; an endpoint with a scheme keeps its
// host and path, with http(s) mapped to ws(s).
func RealtimeURL(endpoint, apiKey string) (string, error) {
	raw := strings.TrimSpace(endpoint)
	if raw == "" {
		return "", errors.New("empty realtime endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + strings.TrimRight(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = websocketPath
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", protocolVsn)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay, joins creds.Topic and starts the heartbeat and
// read loop. Any previous connection is closed first.
func (c *Client) Connect(ctx context.Context, creds domain.ChannelCredentials, appToken string) error {
	if !creds.Complete() {
		return domain.NewError(domain.KindProtocol, "realtime connect", domain.ErrIncompleteCredentials)
	}
	u, err := RealtimeURL(creds.Endpoint, creds.APIKey)
	if err != nil {
		return domain.NewError(domain.KindProtocol, "realtime connect", err)
	}

	c.Disconnect()

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	header := http.Header{}
	header.Set("apikey", creds.APIKey)
	if appToken != "" {
		header.Set("Authorization", "Bearer "+appToken)
	}

	log.Printf("[signal] connecting to %s topic=%s", creds.Endpoint, creds.Topic)
	ws, err := c.dial(ctx, u, header)
	if err != nil {
		return domain.NewError(domain.KindTransport, "realtime connect", err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		ws.Close()
		return domain.NewError(domain.KindState, "realtime connect", errors.New("disconnected while dialing"))
	}
	conn := &connection{ws: ws, done: make(chan struct{})}
	c.conn = conn
	c.topic = creds.Topic
	c.ref = 0
	c.joined = false

	join := joinPayload{AccessToken: creds.SignedToken}
	if appToken != "" {
		join.Config.Headers = map[string]string{"Authorization": "Bearer " + appToken}
	}
	if err := c.sendLocked(creds.Topic, eventJoin, join); err != nil {
		log.Printf("[signal] send join: %v", err)
	}

	conn.heartbeat.Add(1)
	go c.heartbeatLoop(conn)
	go c.readLoop(conn)
	c.mu.Unlock()

	log.Printf("[signal] socket connected, join sent for %s", creds.Topic)
	return nil
}

// Disconnect stops the heartbeat, closes the socket and clears membership.
// It is idempotent. No heartbeat is sent after it returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.joined = false
	conn := c.conn
	c.conn = nil
	if conn != nil {
		close(conn.done)
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	conn.ws.Close()
	conn.heartbeat.Wait()
	log.Printf("[signal] disconnected")
}

// Joined reports whether the join acknowledgement has been received.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// SendSignal broadcasts sig to the channel. Signals sent before the join
// acknowledgement are dropped, not queued.
func (c *Client) SendSignal(sig domain.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.joined {
		log.Printf("[signal] dropping %s signal: %v", sig.Type, domain.ErrNotJoined)
		return
	}
	payload := outboundBroadcast{Type: eventBroadcast, Event: signalEvent, Payload: sig}
	if err := c.sendLocked(c.topic, eventBroadcast, payload); err != nil {
		log.Printf("[signal] send %s signal: %v", sig.Type, err)
	}
}

// sendLocked stamps the next ref and writes the envelope. Holding c.mu
// across both keeps wire order equal to ref order.
func (c *Client) sendLocked(topic, event string, payload any) error {
	if c.conn == nil {
		return domain.ErrNotJoined
	}
	c.ref++
	data, err := json.Marshal(envelope{
		Topic:   topic,
		Event:   event,
		Payload: payload,
		Ref:     strconv.FormatUint(c.ref, 10),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if d, ok := c.conn.ws.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	log.Printf("[signal] >>> %s %s ref=%d", event, topic, c.ref)
	if err := c.conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Client) heartbeatLoop(conn *connection) {
	defer conn.heartbeat.Done()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			err := c.sendLocked(heartbeatTopic, eventHeartbeat, struct{}{})
			c.mu.Unlock()
			if err != nil {
				log.Printf("[signal] heartbeat: %v", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *connection) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
				c.joined = false
				close(conn.done)
			}
			c.mu.Unlock()

			if !current {
				return
			}
			log.Printf("[signal] read error: %v", err)
			conn.ws.Close()
			c.handler.OnError(domain.NewError(domain.KindTransport, "realtime read", err))
			c.handler.OnClosed()
			return
		}
		c.handleFrame(conn, data)
	}
}

// handleFrame dispatches one inbound frame. Malformed frames are logged and
// dropped; they never change membership.
func (c *Client) handleFrame(conn *connection, data []byte) {
	var msg frame
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[signal] dropping malformed frame: %v", err)
		return
	}
	if msg.Event == "" {
		log.Printf("[signal] dropping frame without event")
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	topic := c.topic
	joined := c.joined

	switch msg.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			c.mu.Unlock()
			log.Printf("[signal] dropping reply with malformed payload: %v", err)
			return
		}
		if joined || reply.Status != replyOK || msg.Topic != topic {
			c.mu.Unlock()
			return
		}
		c.joined = true
		c.mu.Unlock()
		log.Printf("[signal] channel %s joined", topic)
		c.handler.OnJoined()

	case eventError, eventClose:
		if msg.Topic != topic {
			c.mu.Unlock()
			return
		}
		c.joined = false
		c.mu.Unlock()
		log.Printf("[signal] channel %s: %s", topic, msg.Event)
		c.handler.OnError(domain.NewError(domain.KindTransport, "realtime channel",
			fmt.Errorf("server sent %s for %s", msg.Event, topic)))

	case eventBroadcast:
		// The relay may deliver broadcasts before the join ack; they are
		// passed on and the consumer decides whether it is ready for them.
		c.mu.Unlock()
		sig, ok := unwrapSignal(msg.Payload)
		if !ok {
			return
		}
		c.handler.OnSignal(sig)

	default:
		c.mu.Unlock()
		log.Printf("[signal] ignoring %s on %s", msg.Event, msg.Topic)
	}
}

// unwrapSignal opens a broadcast payload. Only type=broadcast, event=signal
// yields a signal.
func unwrapSignal(raw json.RawMessage) (domain.Signal, bool) {
	var outer broadcastPayload
	if err := json.Unmarshal(raw, &outer); err != nil {
		log.Printf("[signal] dropping broadcast with malformed payload: %v", err)
		return domain.Signal{}, false
	}
	if outer.Type != eventBroadcast || outer.Event != signalEvent {
		return domain.Signal{}, false
	}
	var sig domain.Signal
	if err := json.Unmarshal(outer.Payload, &sig); err != nil {
		log.Printf("[signal] dropping malformed signal: %v", err)
		return domain.Signal{}, false
	}
	if sig.Type == "" {
		log.Printf("[signal] dropping signal without type")
		return domain.Signal{}, false
	}
	return sig, true
}
