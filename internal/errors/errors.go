package errors

import "errors"

// Auth lifecycle errors.
var (
	// ErrNoAccessToken means no usable access token exists and none could
	// be obtained, either because the user never authorized or because a
	// refresh failed terminally.
	ErrNoAccessToken = errors.New("no access token available")

	// ErrRefreshTokenMissing means no refresh token is stored, so an
	// expired access token cannot be renewed without re-authorization.
	ErrRefreshTokenMissing = errors.New("no refresh token stored")

	// ErrAuthorizationCancelled means the user aborted the browser flow
	// before the provider redirected back.
	ErrAuthorizationCancelled = errors.New("authorization cancelled")

	// ErrCallbackMissingCode means the OAuth callback arrived without an
	// authorization code.
	ErrCallbackMissingCode = errors.New("callback missing authorization code")
)

// API errors.
var (
	// ErrUnauthorized is returned for HTTP 401 responses from the data
	// API. It drives the single refresh-and-retry pass in the client.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionExpired means the refresh token itself was rejected by
	// the server. The sync loop stops; the user must log in again.
	ErrSessionExpired = errors.New("session expired, re-authorization required")
)
