package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeviceAuthorization is a pending device code issued by device/start.
type DeviceAuthorization struct {
	DeviceCode      string    `json:"device_code"`
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	IntervalSeconds int       `json:"interval"`
	ExpiresIn       int       `json:"expires_in"`
	ExpiresAt       time.Time `json:"-"`
}

// PollResult is the decoded reply of device/poll.
type PollResult struct {
	Status   string `json:"status"`
	AppToken string `json:"app_token"`
	User     struct {
		ID string `json:"id"`
	} `json:"user"`
}

// Approved reports whether the device code has been approved.
func (r PollResult) Approved() bool {
	return r.Status == StatusApproved
}

// Device poll statuses. Anything other than approved is pending.
const (
	StatusApproved = "approved"
	StatusPending  = "pending"
)

// BearerSession is the identity obtained once a device code is approved.
type BearerSession struct {
	AppToken string
	UserID   string
}

// String redacts the token.
func (b BearerSession) String() string {
	return fmt.Sprintf("user=%s token=<redacted>", b.UserID)
}

// RemoteSession identifies the single active remote session.
type RemoteSession struct {
	SessionID string
}

// ChannelCredentials hold everything required to open the relay channel.
// They are a capability: never log them and never reuse them across sessions.
type ChannelCredentials struct {
	Endpoint    string    `json:"endpoint"`
	APIKey      string    `json:"apiKey"`
	Topic       string    `json:"topic"`
	SignedToken string    `json:"signedToken"`
	ExpiresAt   time.Time `json:"-"`
}

// Complete reports whether endpoint, key and topic are all present.
func (c ChannelCredentials) Complete() bool {
	return c.Endpoint != "" && c.APIKey != "" && c.Topic != ""
}

// Expired reports whether the credentials carry a deadline that has passed.
func (c ChannelCredentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String redacts the key and signed token.
func (c ChannelCredentials) String() string {
	return fmt.Sprintf("endpoint=%s topic=%s apiKey=<redacted>", c.Endpoint, c.Topic)
}

// ICEServer holds STUN/TURN server configuration. On the wire "urls" is
// either a single string or an array of strings.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UnmarshalJSON accepts "urls" as a string or a list.
func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil
	if len(raw.URLs) == 0 || string(raw.URLs) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.URLs, &single); err == nil {
		if single != "" {
			s.URLs = []string{single}
		}
		return nil
	}
	if err := json.Unmarshal(raw.URLs, &s.URLs); err != nil {
		return fmt.Errorf("ice server urls: %w", err)
	}
	return nil
}

// JoinBundle is everything produced by a successful join, handed over as a unit.
type JoinBundle struct {
	Session     RemoteSession
	Credentials ChannelCredentials
	ICEServers  []ICEServer
}
