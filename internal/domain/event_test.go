package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in   string
		want EventType
	}{
		{"signup", EventSignup},
		{"  SIGNUP ", EventSignup},
		{"github_verification", EventOAuthVerification},
		{"figma_verification", EventOAuthVerification},
		{"oauth_verification", EventOAuthVerification},
		{"payment_method_added", EventPaymentMethodAdded},
		{"profile_viewed", EventType("profile_viewed")},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseEventType(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}

	if EventType("profile_viewed").Known() {
		t.Error("unknown event type should not be Known")
	}
}

func TestNewRequest(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("MissingFields", func(t *testing.T) {
		if _, err := NewRequest("", "user-1", nil, at); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty event, got %v", err)
		}
		if _, err := NewRequest("signup", " ", nil, at); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty userId, got %v", err)
		}
		if _, err := NewRequest("signup", "user-1", nil, time.Time{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for zero time, got %v", err)
		}
	})

	t.Run("SignupPayload", func(t *testing.T) {
		req, err := NewRequest("signup", "user-1", map[string]any{
			"ip_address":         " 10.0.0.1 ",
			"device_fingerprint": "fp-1",
		}, at)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		p, ok := req.Payload.(SignupPayload)
		if !ok {
			t.Fatalf("expected SignupPayload, got %T", req.Payload)
		}
		if p.IP != "10.0.0.1" || p.DeviceFingerprint != "fp-1" {
			t.Errorf("unexpected payload %+v", p)
		}
	})

	t.Run("OAuthPayload", func(t *testing.T) {
		req, _ := NewRequest("github_verification", "user-1", map[string]any{
			"created_at":      "2024-11-01",
			"recent_activity": false,
		}, at)
		p, ok := req.Payload.(OAuthVerificationPayload)
		if !ok {
			t.Fatalf("expected OAuthVerificationPayload, got %T", req.Payload)
		}
		if p.CreatedAt == nil || !p.CreatedAt.Equal(time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected createdAt %v", p.CreatedAt)
		}
		if p.RecentActivity == nil || *p.RecentActivity {
			t.Errorf("expected recentActivity false, got %v", p.RecentActivity)
		}
	})

	t.Run("UnixSeconds", func(t *testing.T) {
		req, _ := NewRequest("oauth_verification", "user-1", map[string]any{"createdAt": float64(at.Unix())}, at)
		p := req.Payload.(OAuthVerificationPayload)
		if p.CreatedAt == nil || !p.CreatedAt.Equal(at) {
			t.Errorf("unexpected createdAt %v", p.CreatedAt)
		}
	})

	t.Run("WrongTypesAreAbsent", func(t *testing.T) {
		req, _ := NewRequest("oauth_verification", "user-1", map[string]any{
			"createdAt":      true,
			"recentActivity": "no",
		}, at)
		p := req.Payload.(OAuthVerificationPayload)
		if p.CreatedAt != nil || p.RecentActivity != nil {
			t.Errorf("expected both fields absent, got %+v", p)
		}
	})

	t.Run("UnknownEventIsOpaque", func(t *testing.T) {
		req, _ := NewRequest("profile_viewed", "user-1", map[string]any{"page": "home"}, at)
		p, ok := req.Payload.(OpaquePayload)
		if !ok {
			t.Fatalf("expected OpaquePayload, got %T", req.Payload)
		}
		if p.Data["page"] != "home" {
			t.Errorf("expected raw data to be carried, got %v", p.Data)
		}
	})

	t.Run("RawIsCopied", func(t *testing.T) {
		data := map[string]any{"ip": "1.1.1.1"}
		req, _ := NewRequest("signup", "user-1", data, at)
		data["ip"] = "2.2.2.2"
		if req.Raw["ip"] != "1.1.1.1" {
			t.Error("request should not alias caller data")
		}
	})
}

func TestPolicyConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PolicyConfig
		wantErr bool
	}{
		{"Defaults", PolicyConfig{DefaultReviewThreshold, DefaultSuspendThreshold}, false},
		{"Equal", PolicyConfig{90, 90}, false},
		{"Inverted", PolicyConfig{96, 95}, true},
		{"Negative", PolicyConfig{-1, 95}, true},
		{"AboveMax", PolicyConfig{80, 101}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestActionWireStatus(t *testing.T) {
	if ActionApprove.WireStatus() != StatusApproved {
		t.Error("approve should map to approved")
	}
	if ActionFlag.WireStatus() != StatusFlagged || ActionSuspend.WireStatus() != StatusFlagged {
		t.Error("flag and suspend should map to flagged")
	}
}
