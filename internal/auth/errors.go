package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigError reports a missing required configuration field, detected
// before any network call is made.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("auth configuration missing %s", e.Field)
}

// CallbackError reports a callback URL that could not be accepted:
// either the provider returned an OAuth error, or the state parameter
// did not match the one sent.
type CallbackError struct {
	Code        string // provider error code, e.g. "access_denied"
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization callback failed: %s (%s)", e.Code, e.Description)
	}

	return fmt.Sprintf("authorization callback failed: %s", e.Code)
}

// TokenError reports a non-2xx response from the token endpoint. Grant
// distinguishes a code-exchange failure from a refresh failure, which
// use the same endpoint and decoder but have very different meanings
// for the caller.
type TokenError struct {
	Grant  string // "authorization_code" or "refresh_token"
	Status int
	Body   string
}

func (e *TokenError) Error() string {
	switch e.Grant {
	case grantRefreshToken:
		return fmt.Sprintf("token refresh failed with status %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
	}
}

// IsRefreshRejected reports whether err (or any error in its chain) is
// a refresh-grant rejection by the server: a 4xx response to a
// refresh_token request. That means the refresh token itself is dead
// and the session cannot be recovered without re-authorization. 5xx
// refresh failures are server trouble, not a dead session.
func IsRefreshRejected(err error) bool {
	var te *TokenError
	if !errors.As(err, &te) {
		return false
	}

	return te.Grant == grantRefreshToken &&
		te.Status >= http.StatusBadRequest && te.Status < http.StatusInternalServerError
}
