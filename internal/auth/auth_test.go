package auth

import (
	"errors"
	"testing"
	"time"
)

func TestDisabledWhenUnconfigured(t *testing.T) {
	a := New(Config{})
	if a.Enabled() {
		t.Error("authenticator with no tokens or secret must be disabled")
	}
	if _, err := a.Verify("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Verify error = %v, want ErrAuthDisabled", err)
	}
	if _, err := a.Issue("op", ""); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Issue error = %v, want ErrAuthDisabled", err)
	}
}

func TestStaticTokens(t *testing.T) {
	a := New(Config{Tokens: []string{"tok-1", " tok-2 ", ""}})

	p, err := a.Verify("tok-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "operator" {
		t.Errorf("subject = %q", p.Subject)
	}
	if _, err := a.Verify("tok-2"); err != nil {
		t.Errorf("trimmed token rejected: %v", err)
	}
	if _, err := a.Verify("wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
	if _, err := a.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty credential error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})

	token, err := a.Issue("op-1", "Operator One")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	p, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "op-1" || p.Name != "Operator One" {
		t.Errorf("principal = %+v", p)
	}

	other := New(Config{JWTSecret: "different-secret"})
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTExpired(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret", JWTExpiry: -time.Minute})

	token, err := a.Issue("op-1", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := a.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token error = %v, want ErrInvalidToken", err)
	}
}

func TestFromHeader(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		if got := FromHeader(tt.header); got != tt.want {
			t.Errorf("FromHeader(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
