// Package auth implements the bearer-token check in front of the
// append/read/admin surface. There is no session or user model: a
// single shared token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned by Check when the request's bearer token
// is missing or does not match.
var ErrUnauthorized = errors.New("auth: missing or invalid bearer token")

// Validator checks the Authorization header of an inbound request.
type Validator interface {
	Check(r *http.Request) error
}

// disabled accepts every request — selected when no service token is
// configured (local/dev use only).
type disabled struct{}

func (disabled) Check(*http.Request) error { return nil }

// bearerToken rejects any request whose Authorization header isn't
// exactly "Bearer <token>" for the configured token, using a
// constant-time comparison to avoid leaking the token contents through
// timing. A supplied token of a different length is rejected without
// comparing contents, so the token length is not hidden.
type bearerToken struct {
	token []byte
}

func (b bearerToken) Check(r *http.Request) error {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ErrUnauthorized
	}
	supplied := strings.TrimPrefix(h, prefix)
	if subtle.ConstantTimeCompare([]byte(supplied), b.token) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// New returns a Validator for the configured token. An empty token
// disables auth entirely — intended for local/dev use only.
func New(token string) Validator {
	if token == "" {
		return disabled{}
	}
	return bearerToken{token: []byte(token)}
}
