package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remotedesk/host/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/api", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RejectsNonHTTPBase(t *testing.T) {
	if _, err := NewClient("ftp://example.com"); err == nil {
		t.Fatal("expected error for ftp base url")
	}
}

func TestStartDevice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/device/start" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("expected X-Request-Id header")
		}
		w.Write([]byte(`{"device_code":"D1","user_code":"ABC123","verification_uri":"https://x/device","interval":2,"expires_in":300}`))
	})

	auth, err := c.StartDevice(context.Background())
	if err != nil {
		t.Fatalf("StartDevice: %v", err)
	}
	if auth.DeviceCode != "D1" || auth.UserCode != "ABC123" || auth.VerificationURI != "https://x/device" {
		t.Errorf("unexpected authorization %+v", auth)
	}
	if auth.IntervalSeconds != 2 || auth.ExpiresIn != 300 {
		t.Errorf("expected interval=2 expires_in=300, got %d %d", auth.IntervalSeconds, auth.ExpiresIn)
	}
}

func TestStartDevice_MissingDeviceCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := c.StartDevice(context.Background())
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestPollDevice_SendsDeviceCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["device_code"] != "D1" {
			t.Errorf("expected device_code D1, got %q", body["device_code"])
		}
		w.Write([]byte(`{"status":"approved","app_token":"T1","user":{"id":"U1"}}`))
	})

	res, err := c.PollDevice(context.Background(), "D1")
	if err != nil {
		t.Fatalf("PollDevice: %v", err)
	}
	if !res.Approved() || res.AppToken != "T1" || res.User.ID != "U1" {
		t.Errorf("unexpected poll result %+v", res)
	}
}

func TestJoinSession_BearerAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer T1" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		var body joinRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Code6 != "123456" || body.Role != "host" {
			t.Errorf("unexpected join body %+v", body)
		}
		w.Write([]byte(`{"sessionId":"S1"}`))
	})

	id, err := c.JoinSession(context.Background(), "T1", "123456")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if id != "S1" {
		t.Errorf("expected S1, got %q", id)
	}
}

func TestJoinSession_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"token revoked"}`))
	})

	_, err := c.JoinSession(context.Background(), "T1", "123456")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "token revoked" {
		t.Errorf("expected APIError with message, got %v", err)
	}
	if domain.KindOf(err) != domain.KindTransport {
		t.Errorf("expected transport kind, got %s", domain.KindOf(err))
	}
}

func TestSignedTopic_AcceptsLowercaseAPIKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sessionId"); got != "S1" {
			t.Errorf("expected sessionId S1, got %q", got)
		}
		w.Write([]byte(`{"endpoint":"e","apikey":"k","topic":"remote:S1","signedToken":"","expires_at":""}`))
	})

	creds, err := c.SignedTopic(context.Background(), "T1", "S1")
	if err != nil {
		t.Fatalf("SignedTopic: %v", err)
	}
	if creds.Endpoint != "e" || creds.APIKey != "k" || creds.Topic != "remote:S1" {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if !creds.ExpiresAt.IsZero() {
		t.Errorf("expected no expiry, got %v", creds.ExpiresAt)
	}
}

func TestSignedTopic_ExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("relay-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"endpoint": "e", "apiKey": "k", "topic": "remote:S1", "signedToken": token,
		})
	})

	creds, err := c.SignedTopic(context.Background(), "T1", "S1")
	if err != nil {
		t.Fatalf("SignedTopic: %v", err)
	}
	if !creds.ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, creds.ExpiresAt)
	}
}

func TestSignedTopic_ExplicitExpiry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"endpoint":"e","apiKey":"k","topic":"t","expires_at":"2030-01-02T03:04:05Z"}`))
	})

	creds, err := c.SignedTopic(context.Background(), "T1", "S1")
	if err != nil {
		t.Fatalf("SignedTopic: %v", err)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if !creds.ExpiresAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, creds.ExpiresAt)
	}
}

func TestICEServers_StringAndListURLs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("ice endpoint must not carry bearer auth")
		}
		w.Write([]byte(`{"iceServers":[{"urls":"stun:stun.example.com:3478"},{"urls":["turn:a","turn:b"],"username":"u","credential":"p"}]}`))
	})

	servers, err := c.ICEServers(context.Background())
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("unexpected first server %+v", servers[0])
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Errorf("unexpected second server %+v", servers[1])
	}
}

func TestICEServers_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := c.ICEServers(context.Background())
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if domain.KindOf(err) != domain.KindProtocol {
		t.Errorf("expected protocol kind, got %s", domain.KindOf(err))
	}
}

func TestCloseSession_IgnoresBody(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/api/sessions/close" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`garbage`))
	})

	if err := c.CloseSession(context.Background(), "T1", "S1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if !called {
		t.Error("expected close endpoint to be called")
	}
}
