// Package whoop is a resilient client for the WHOOP developer API's
// paginated time-series resources: recovery, sleep, and strain cycles.
//
// Failures are handled in two layers. An outer layer retries exactly
// once after a 401 by asking the token source for an explicit refresh.
// An inner layer retries rate-limited and server-error responses with
// exponential backoff. Everything else propagates immediately.
package whoop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alexjbarnes/biosync/internal/auth"
	errs "github.com/alexjbarnes/biosync/internal/errors"
)

const (
	// requestTimeout bounds a single data API round trip.
	requestTimeout = 60 * time.Second

	// maxResponseBytes caps response body reads. API pages are small
	// JSON payloads.
	maxResponseBytes = 1024 * 1024

	// pageLimit is the per-page record count requested from the API.
	pageLimit = 25
)

// Resource paths.
const (
	pathRecovery = "/v1/recovery"
	pathSleep    = "/v1/activity/sleep"
	pathCycle    = "/v1/cycle"
)

// RetryPolicy controls the inner backoff layer: up to MaxRetries
// attempts with delays of BaseDelay, 2·BaseDelay, 4·BaseDelay, ...
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy gives three attempts with 1s/2s waits between
// them.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}

// TokenSource is the narrow auth capability the client depends on. The
// client never writes auth state directly.
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Query bounds a fetch. Zero Start/End mean unbounded in that
// direction; NextToken continues a previous page.
type Query struct {
	Start     time.Time
	End       time.Time
	NextToken string
}

// Client talks to the WHOOP developer API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	retry      RetryPolicy
	logger     *slog.Logger

	// sleep waits out a backoff delay. Injectable so tests don't wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates an API client. A nil httpClient gets a default
// with a 60-second timeout.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		tokens:     tokens,
		retry:      DefaultRetryPolicy,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// FetchRecovery returns one page of recovery records.
func (c *Client) FetchRecovery(ctx context.Context, q Query) (*RecoveryPage, error) {
	body, err := c.fetch(ctx, pathRecovery, q)
	if err != nil {
		return nil, err
	}

	return parseRecoveryPage(body)
}

// FetchSleep returns one page of sleep records.
func (c *Client) FetchSleep(ctx context.Context, q Query) (*SleepPage, error) {
	body, err := c.fetch(ctx, pathSleep, q)
	if err != nil {
		return nil, err
	}

	return parseSleepPage(body)
}

// FetchStrain returns one page of physiological cycles with strain
// scores.
func (c *Client) FetchStrain(ctx context.Context, q Query) (*StrainPage, error) {
	body, err := c.fetch(ctx, pathCycle, q)
	if err != nil {
		return nil, err
	}

	return parseStrainPage(body)
}

// fetch is the outer auth layer: one pass, and on 401 exactly one
// explicit refresh followed by one more pass. A second 401 propagates;
// the sync layer treats it as an expired session. A refresh rejected
// by the server is surfaced as ErrSessionExpired directly.
func (c *Client) fetch(ctx context.Context, path string, q Query) ([]byte, error) {
	body, err := c.fetchWithBackoff(ctx, path, q)
	if err == nil || !errors.Is(err, errs.ErrUnauthorized) {
		return body, err
	}

	c.logger.Debug("unauthorized response, refreshing token", slog.String("path", path))

	if rerr := c.tokens.Refresh(ctx); rerr != nil {
		if auth.IsRefreshRejected(rerr) || errors.Is(rerr, errs.ErrRefreshTokenMissing) {
			return nil, fmt.Errorf("%w: %v", errs.ErrSessionExpired, rerr)
		}

		return nil, fmt.Errorf("refreshing after 401: %w", rerr)
	}

	return c.fetchWithBackoff(ctx, path, q)
}

// fetchWithBackoff is the inner retry layer: exponential backoff on
// rate limits and server errors, up to the policy's attempt budget.
func (c *Client) fetchWithBackoff(ctx context.Context, path string, q Query) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		body, err := c.fetchOnce(ctx, path, q)
		if err == nil {
			return body, nil
		}

		if !isRetryable(err) {
			return nil, err
		}

		if attempt >= c.retry.MaxRetries {
			return nil, &RetryExhaustedError{Attempts: attempt, Err: err}
		}

		delay := c.retry.BaseDelay << (attempt - 1)

		c.logger.Debug("transient API failure, backing off",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// fetchOnce performs a single authenticated GET and classifies the
// response status.
func (c *Client) fetchOnce(ctx context.Context, path string, q Query) ([]byte, error) {
	token, err := c.tokens.ValidAccessToken(ctx)
	if err != nil {
		// Any auth failure counts as unauthorized; the outer layer
		// decides whether a refresh can recover it.
		return nil, errors.Join(errs.ErrUnauthorized, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errs.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, &StatusError{Code: resp.StatusCode}
	}
}

// encode renders the query string: ISO-8601 bounds when set, the
// continuation token when present.
func (q Query) encode() string {
	params := url.Values{"limit": {strconv.Itoa(pageLimit)}}

	if !q.Start.IsZero() {
		params.Set("start", q.Start.UTC().Format(time.RFC3339))
	}

	if !q.End.IsZero() {
		params.Set("end", q.End.UTC().Format(time.RFC3339))
	}

	if q.NextToken != "" {
		params.Set("nextToken", q.NextToken)
	}

	return params.Encode()
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes
// first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
