package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"remotedesk/host/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIBase != "https://ruoshui.fun/api" {
		t.Errorf("unexpected api base %q", cfg.APIBase)
	}
	if cfg.FPS != 30 || cfg.ScreenIndex != 0 || cfg.AllowControl {
		t.Errorf("unexpected capture defaults %+v", cfg)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.NegotiationTimeout != 45*time.Second {
		t.Errorf("unexpected timing defaults %+v", cfg)
	}
	if cfg.MaxPollFailures != 5 || cfg.MaxReconnects != 3 || cfg.ReconnectDelay != 2*time.Second {
		t.Errorf("unexpected retry defaults %+v", cfg)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("REMOTEDESK_API_BASE", "http://127.0.0.1:8080/api")
	t.Setenv("REMOTEDESK_SESSION_CODE", "123456")
	t.Setenv("REMOTEDESK_ALLOW_CONTROL", "true")
	t.Setenv("REMOTEDESK_FPS", "15")
	t.Setenv("REMOTEDESK_RECONNECT_DELAY", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIBase != "http://127.0.0.1:8080/api" || cfg.SessionCode != "123456" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if !cfg.AllowControl || cfg.FPS != 15 || cfg.ReconnectDelay != 500*time.Millisecond {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"REMOTEDESK_FPS", "0", "fps"},
		{"REMOTEDESK_SESSION_CODE", "12345", "session code"},
		{"REMOTEDESK_SESSION_CODE", "abcdef", "session code"},
		{"REMOTEDESK_SCREEN", "-1", "screen index"},
		{"REMOTEDESK_HEARTBEAT_INTERVAL", "0s", "heartbeat interval"},
		{"REMOTEDESK_MAX_RECONNECTS", "-2", "max reconnects"},
		{"REMOTEDESK_HTTP_TIMEOUT", "soon", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_SessionCodeKeepsDomainError(t *testing.T) {
	t.Setenv("REMOTEDESK_SESSION_CODE", "12a456")

	_, err := Load()
	if !errors.Is(err, domain.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode in chain, got %v", err)
	}
	if domain.KindOf(err) != domain.KindValidation {
		t.Errorf("expected validation kind, got %v", err)
	}
}
