// Package auth owns the OAuth 2.0 authorization-code + PKCE flow and
// the access/refresh token lifecycle against the provider's endpoints.
//
// The browser hand-off and the secret store are injected capabilities,
// so the whole flow is testable without a real browser or keychain.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	errs "github.com/alexjbarnes/biosync/internal/errors"
	"github.com/alexjbarnes/biosync/internal/pkce"
	"github.com/alexjbarnes/biosync/internal/secrets"
	"golang.org/x/sync/singleflight"
)

const (
	// expiryMargin is how far in the future a cached token's expiry must
	// be for the token to count as usable. Absorbs clock skew and
	// request latency.
	expiryMargin = 60 * time.Second

	// tokenRequestTimeout bounds a single token endpoint round trip.
	tokenRequestTimeout = 30 * time.Second

	// maxTokenResponseBytes caps token endpoint response reads. Token
	// responses are small JSON payloads.
	maxTokenResponseBytes = 64 * 1024

	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// Secret store keys for the persisted token set.
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyTokenExpiry  = "token_expiry"
)

// Config holds the OAuth client settings. Immutable for the process
// lifetime.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

// TokenSet is an access/refresh token pair with its absolute expiry.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// usable reports whether the access token can still be sent with a
// request, leaving the expiry margin for skew and latency.
func (t *TokenSet) usable(now time.Time) bool {
	return t != nil && t.AccessToken != "" && t.ExpiresAt.After(now.Add(expiryMargin))
}

// Presenter presents an authorization URL to the user and returns the
// full callback URL the provider redirected to. Production uses the
// loopback-server browser hand-off; tests return canned URLs.
type Presenter interface {
	Present(ctx context.Context, authURL string) (string, error)
}

// Manager owns all mutable auth state: the cached token set and the
// in-flight PKCE pair. All access goes through mu; refreshes are
// coalesced so concurrent callers share one in-flight request.
type Manager struct {
	cfg        Config
	store      secrets.Store
	presenter  Presenter
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	token   *TokenSet
	pending *pkce.Pair

	refreshGroup singleflight.Group
}

// NewManager creates an auth manager and hydrates the in-memory token
// cache from the secret store. A nil httpClient gets a default with a
// bounded timeout.
func NewManager(cfg Config, store secrets.Store, presenter Presenter, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenRequestTimeout}
	}

	m := &Manager{
		cfg:        cfg,
		store:      store,
		presenter:  presenter,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}

	m.hydrate()

	return m
}

// hydrate loads any persisted token set into the cache. Errors are
// logged and treated as "not authenticated" rather than failing
// startup.
func (m *Manager) hydrate() {
	access, err := m.store.Get(keyAccessToken)
	if err != nil {
		m.logger.Warn("reading stored access token", slog.String("error", err.Error()))
		return
	}

	if access == "" {
		return
	}

	refresh, err := m.store.Get(keyRefreshToken)
	if err != nil {
		m.logger.Warn("reading stored refresh token", slog.String("error", err.Error()))
		return
	}

	expiryStr, err := m.store.Get(keyTokenExpiry)
	if err != nil {
		m.logger.Warn("reading stored token expiry", slog.String("error", err.Error()))
		return
	}

	expiry, err := time.Parse(time.RFC3339, expiryStr)
	if err != nil {
		m.logger.Warn("stored token expiry is unparseable, ignoring cached tokens",
			slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	m.token = &TokenSet{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiry}
	m.mu.Unlock()
}

// Authorize runs the full authorization-code + PKCE flow: browser
// hand-off, callback parsing, code exchange, token persistence. The
// PKCE pair is discarded whether the flow succeeds or fails.
func (m *Manager) Authorize(ctx context.Context) error {
	if m.cfg.ClientID == "" {
		return &ConfigError{Field: "client id"}
	}

	if m.cfg.ClientSecret == "" {
		return &ConfigError{Field: "client secret"}
	}

	pair, err := pkce.Generate()
	if err != nil {
		return err
	}

	state, err := randomState()
	if err != nil {
		return fmt.Errorf("generating state: %w", err)
	}

	m.mu.Lock()
	m.pending = &pair
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
	}()

	authURL := m.authorizationURL(pair.Challenge, state)

	m.logger.Info("starting authorization flow")

	callback, err := m.presenter.Present(ctx, authURL)
	if err != nil {
		return fmt.Errorf("presenting authorization URL: %w", err)
	}

	code, err := parseCallback(callback, state)
	if err != nil {
		return err
	}

	tokens, err := m.requestToken(ctx, grantAuthorizationCode, url.Values{
		"grant_type":    {grantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {m.cfg.RedirectURI},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
		"code_verifier": {pair.Verifier},
	})
	if err != nil {
		return err
	}

	if err := m.persist(tokens); err != nil {
		return err
	}

	m.logger.Info("authorization complete",
		slog.Time("expires_at", tokens.ExpiresAt))

	return nil
}

// authorizationURL builds the browser GET URL for the authorization
// endpoint.
func (m *Manager) authorizationURL(challenge, state string) string {
	params := url.Values{
		"client_id":             {m.cfg.ClientID},
		"redirect_uri":          {m.cfg.RedirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(m.cfg.Scopes, " ")},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return m.cfg.AuthURL + "?" + params.Encode()
}

// parseCallback extracts the authorization code from the callback URL.
// A provider-reported error, a state mismatch, or a missing code all
// fail the flow.
func parseCallback(callback, wantState string) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("parsing callback URL: %w", err)
	}

	q := u.Query()

	if errCode := q.Get("error"); errCode != "" {
		return "", &CallbackError{Code: errCode, Description: q.Get("error_description")}
	}

	if gotState := q.Get("state"); gotState != "" && gotState != wantState {
		return "", &CallbackError{Code: "state_mismatch", Description: "callback state does not match request"}
	}

	code := q.Get("code")
	if code == "" {
		return "", errs.ErrCallbackMissingCode
	}

	return code, nil
}

// ValidAccessToken returns a usable access token, refreshing first if
// the cached one is expired or missing. Concurrent callers during an
// expired-token window share a single in-flight refresh.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	if tok, ok := m.cachedToken(); ok {
		return tok, nil
	}

	_, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		// Re-check under the flight: another caller may have finished a
		// refresh between our cache miss and joining the group.
		if _, ok := m.cachedToken(); ok {
			return nil, nil
		}

		return nil, m.Refresh(ctx)
	})
	if err != nil {
		if errors.Is(err, errs.ErrRefreshTokenMissing) {
			return "", errs.ErrNoAccessToken
		}

		return "", err
	}

	tok, ok := m.cachedToken()
	if !ok {
		return "", errs.ErrNoAccessToken
	}

	return tok, nil
}

// cachedToken returns the cached access token if it is still usable.
func (m *Manager) cachedToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.usable(m.now()) {
		return m.token.AccessToken, true
	}

	return "", false
}

// Refresh performs a refresh-grant request with the stored refresh
// token and persists the resulting token set. When the server omits a
// refresh token from the response, the previous one stays valid and is
// retained.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	var refresh string
	if m.token != nil {
		refresh = m.token.RefreshToken
	}
	m.mu.Unlock()

	if refresh == "" {
		stored, err := m.store.Get(keyRefreshToken)
		if err != nil {
			return fmt.Errorf("reading refresh token: %w", err)
		}

		refresh = stored
	}

	if refresh == "" {
		return errs.ErrRefreshTokenMissing
	}

	m.logger.Debug("refreshing access token")

	tokens, err := m.requestToken(ctx, grantRefreshToken, url.Values{
		"grant_type":    {grantRefreshToken},
		"refresh_token": {refresh},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
	})
	if err != nil {
		return err
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refresh
	}

	return m.persist(tokens)
}

// Logout deletes the persisted token set and clears all in-memory auth
// state, including any in-flight PKCE pair.
func (m *Manager) Logout() error {
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyTokenExpiry} {
		if err := m.store.Delete(key); err != nil {
			return fmt.Errorf("clearing stored auth: %w", err)
		}
	}

	m.mu.Lock()
	m.token = nil
	m.pending = nil
	m.mu.Unlock()

	m.logger.Info("logged out")

	return nil
}

// Authenticated reports whether any token set is stored, usable or not.
// A stale token set still counts: it may be refreshable.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.token != nil
}

// persist writes the token set to the secret store and updates the
// cache.
func (m *Manager) persist(tokens *TokenSet) error {
	if err := m.store.Set(keyAccessToken, tokens.AccessToken); err != nil {
		return fmt.Errorf("storing access token: %w", err)
	}

	if err := m.store.Set(keyRefreshToken, tokens.RefreshToken); err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}

	if err := m.store.Set(keyTokenExpiry, tokens.ExpiresAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("storing token expiry: %w", err)
	}

	m.mu.Lock()
	m.token = tokens
	m.mu.Unlock()

	return nil
}

// tokenResponse is the JSON body both token endpoint grants return.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// requestToken POSTs a form-encoded grant to the token endpoint and
// decodes the response. Non-2xx responses become a TokenError carrying
// the grant type, status, and a sanitized body excerpt.
func (m *Manager) requestToken(ctx context.Context, grant string, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &TokenError{Grant: grant, Status: resp.StatusCode, Body: sanitizeResponseBody(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("malformed token response: missing access_token")
	}

	return &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// randomState generates the anti-CSRF state parameter.
func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
