package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fleetlink/fleet-gateway/internal/config"
)

func newTestManager(secret string) *JWTManager {
	return NewJWTManager(&config.JWTConfig{
		Secret:   secret,
		TokenTTL: time.Hour,
		Issuer:   "test",
	})
}

func TestIssueAndVerify(t *testing.T) {
	m := newTestManager("s3cret")

	token, issued, err := m.IssueToken("V-1", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.DeviceID != "V-1" {
		t.Errorf("device id = %q, want V-1", claims.DeviceID)
	}
	if claims.Type != TokenTypeVehicle {
		t.Errorf("type = %q, want %q", claims.Type, TokenTypeVehicle)
	}
	if claims.ID == "" || claims.ID != issued.ID {
		t.Errorf("jti = %q, issued %q", claims.ID, issued.ID)
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Errorf("lifetime = %s, want 1h", got)
	}
}

func TestIssue_UniqueIDs(t *testing.T) {
	m := newTestManager("s3cret")

	a, _, err := m.IssueToken("V-1", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	b, _, err := m.IssueToken("V-1", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if a == b {
		t.Error("two tokens for the same device must differ")
	}
}

func TestVerify_Failures(t *testing.T) {
	m := newTestManager("s3cret")
	good, _, err := m.IssueToken("V-1", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	other, _, err := newTestManager("other").IssueToken("V-1", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	expiring := newTestManager("s3cret")
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := expiring.IssueToken("V-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", other},
		{"expired", expired},
		{"tampered", tamper(good, other)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.VerifyToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("got %v, want ErrInvalidToken", err)
			}
		})
	}
}

// tamper keeps header and payload of good but grafts the signature of other
func tamper(good, other string) string {
	g := strings.Split(good, ".")
	o := strings.Split(other, ".")
	return g[0] + "." + g[1] + "." + o[2]
}

func TestIssue_EmptyDevice(t *testing.T) {
	if _, _, err := newTestManager("s").IssueToken("", 0); err == nil {
		t.Error("expected error for empty device id")
	}
}
