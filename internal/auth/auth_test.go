package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisabledWhenTokenEmpty(t *testing.T) {
	v := New("")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := v.Check(r); err != nil {
		t.Errorf("expected no auth required, got %v", err)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	v := New("secret")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if err := v.Check(r); err != nil {
		t.Errorf("expected matching token to be accepted, got %v", err)
	}
}

func TestBearerTokenRejectedWhenWrongOrMissing(t *testing.T) {
	v := New("secret")

	cases := []string{"", "Bearer wrong", "secret", "Basic secret"}
	for _, h := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if h != "" {
			r.Header.Set("Authorization", h)
		}
		if err := v.Check(r); err != ErrUnauthorized {
			t.Errorf("header %q: expected ErrUnauthorized, got %v", h, err)
		}
	}
}
