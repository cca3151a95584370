package whoop

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/biosync/internal/auth"
	errs "github.com/alexjbarnes/biosync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTokens is a scriptable TokenSource.
type stubTokens struct {
	mu sync.Mutex

	token      string
	tokenErr   error
	refreshErr error

	tokenCalls   int
	refreshCalls int

	// afterRefresh replaces token once Refresh succeeds.
	afterRefresh string
}

func (s *stubTokens) ValidAccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCalls++
	return s.token, s.tokenErr
}

func (s *stubTokens) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	if s.refreshErr != nil {
		return s.refreshErr
	}
	if s.afterRefresh != "" {
		s.token = s.afterRefresh
	}
	return nil
}

func (s *stubTokens) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// scriptedServer replays a sequence of responses and records requests.
type scriptedServer struct {
	t  *testing.T
	mu sync.Mutex

	responses []scriptedResponse
	requests  []*http.Request
}

type scriptedResponse struct {
	status int
	body   string
}

const emptyPage = `{"records":[]}`

func newScriptedServer(t *testing.T, responses ...scriptedResponse) (*scriptedServer, *httptest.Server) {
	t.Helper()
	ss := &scriptedServer{t: t, responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ss.mu.Lock()
		ss.requests = append(ss.requests, r.Clone(context.Background()))
		require.NotEmpty(t, ss.responses, "server called more times than scripted")
		resp := ss.responses[0]
		ss.responses = ss.responses[1:]
		ss.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		io.WriteString(w, resp.body)
	}))
	t.Cleanup(srv.Close)
	return ss, srv
}

func (ss *scriptedServer) requestCount() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.requests)
}

// testClient builds a client against srv with recorded (not slept)
// backoff delays.
func testClient(srv *httptest.Server, tokens TokenSource) (*Client, *[]time.Duration) {
	c := NewClient(srv.URL, tokens, nil, testLogger())

	delays := &[]time.Duration{}
	var mu sync.Mutex
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*delays = append(*delays, d)
		return nil
	}

	return c, delays
}

// --- request construction ---

func TestFetchRecovery_RequestShape(t *testing.T) {
	ss, srv := newScriptedServer(t, scriptedResponse{200, emptyPage})
	c, _ := testClient(srv, &stubTokens{token: "tok-1"})

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)

	_, err := c.FetchRecovery(context.Background(), Query{Start: start, End: end, NextToken: "page-2"})
	require.NoError(t, err)

	require.Equal(t, 1, ss.requestCount())
	req := ss.requests[0]
	assert.Equal(t, "/v1/recovery", req.URL.Path)
	assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))

	q := req.URL.Query()
	assert.Equal(t, "2025-01-01T00:00:00Z", q.Get("start"))
	assert.Equal(t, "2025-01-08T00:00:00Z", q.Get("end"))
	assert.Equal(t, "page-2", q.Get("nextToken"))
}

func TestQuery_OmitsUnsetBounds(t *testing.T) {
	encoded := Query{}.encode()
	assert.NotContains(t, encoded, "start=")
	assert.NotContains(t, encoded, "end=")
	assert.NotContains(t, encoded, "nextToken=")
}

// --- inner backoff layer ---

func TestFetch_BackoffOnRateLimit(t *testing.T) {
	ss, srv := newScriptedServer(t,
		scriptedResponse{429, ""},
		scriptedResponse{429, ""},
		scriptedResponse{200, `{"records":[{"cycle_id":7}]}`},
	)
	c, delays := testClient(srv, &stubTokens{token: "tok"})

	page, err := c.FetchRecovery(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(7), page.Records[0].CycleID)

	assert.Equal(t, 3, ss.requestCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestFetch_BackoffOnServerError(t *testing.T) {
	ss, srv := newScriptedServer(t,
		scriptedResponse{503, ""},
		scriptedResponse{200, emptyPage},
	)
	c, delays := testClient(srv, &stubTokens{token: "tok"})

	_, err := c.FetchSleep(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, ss.requestCount())
	assert.Equal(t, []time.Duration{time.Second}, *delays)
}

func TestFetch_BackoffExhausted(t *testing.T) {
	ss, srv := newScriptedServer(t,
		scriptedResponse{429, ""},
		scriptedResponse{429, ""},
		scriptedResponse{429, ""},
	)
	c, delays := testClient(srv, &stubTokens{token: "tok"})

	_, err := c.FetchStrain(context.Background(), Query{})

	var ree *RetryExhaustedError
	require.ErrorAs(t, err, &ree)
	assert.Equal(t, 3, ree.Attempts)
	assert.ErrorIs(t, err, ErrRateLimited)

	assert.Equal(t, 3, ss.requestCount())
	assert.Len(t, *delays, 2, "no sleep after the final attempt")
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	ss, srv := newScriptedServer(t, scriptedResponse{404, ""})
	c, delays := testClient(srv, &stubTokens{token: "tok"})

	_, err := c.FetchRecovery(context.Background(), Query{})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
	assert.Equal(t, 1, ss.requestCount())
	assert.Empty(t, *delays)
}

func TestFetch_NetworkErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	c, delays := testClient(srv, &stubTokens{token: "tok"})

	_, err := c.FetchRecovery(context.Background(), Query{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrUnauthorized)
	assert.Empty(t, *delays)
}

func TestFetch_CancelledDuringBackoff(t *testing.T) {
	// One 429 puts the client into its first backoff sleep (1s with the
	// default policy); cancelling during that sleep must abort promptly
	// without issuing another request.
	ss, srv := newScriptedServer(t, scriptedResponse{429, ""})
	c := NewClient(srv.URL, &stubTokens{token: "tok"}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.FetchRecovery(ctx, Query{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancellation should interrupt the backoff sleep")
	assert.Equal(t, 1, ss.requestCount(), "no further requests once cancelled during backoff")
}

// --- outer auth layer ---

func TestFetch_RefreshAndRetryOn401(t *testing.T) {
	ss, srv := newScriptedServer(t,
		scriptedResponse{401, ""},
		scriptedResponse{200, emptyPage},
	)
	tokens := &stubTokens{token: "stale", afterRefresh: "fresh"}
	c, _ := testClient(srv, tokens)

	_, err := c.FetchRecovery(context.Background(), Query{})
	require.NoError(t, err)

	assert.Equal(t, 1, tokens.refreshCount(), "exactly one refresh")
	require.Equal(t, 2, ss.requestCount())
	assert.Equal(t, "Bearer fresh", ss.requests[1].Header.Get("Authorization"))
}

func TestFetch_SecondUnauthorizedPropagates(t *testing.T) {
	ss, srv := newScriptedServer(t,
		scriptedResponse{401, ""},
		scriptedResponse{401, ""},
	)
	tokens := &stubTokens{token: "stale", afterRefresh: "still-bad"}
	c, _ := testClient(srv, tokens)

	_, err := c.FetchRecovery(context.Background(), Query{})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Equal(t, 1, tokens.refreshCount(), "no second refresh after a post-refresh 401")
	assert.Equal(t, 2, ss.requestCount())
}

func TestFetch_RefreshRejectedIsSessionExpired(t *testing.T) {
	_, srv := newScriptedServer(t, scriptedResponse{401, ""})
	tokens := &stubTokens{
		token:      "stale",
		refreshErr: &auth.TokenError{Grant: "refresh_token", Status: 400, Body: "invalid_grant"},
	}
	c, _ := testClient(srv, tokens)

	_, err := c.FetchRecovery(context.Background(), Query{})
	assert.ErrorIs(t, err, errs.ErrSessionExpired)
}

func TestFetch_MissingRefreshTokenIsSessionExpired(t *testing.T) {
	_, srv := newScriptedServer(t, scriptedResponse{401, ""})
	tokens := &stubTokens{token: "stale", refreshErr: errs.ErrRefreshTokenMissing}
	c, _ := testClient(srv, tokens)

	_, err := c.FetchRecovery(context.Background(), Query{})
	assert.ErrorIs(t, err, errs.ErrSessionExpired)
}

func TestFetch_TransientRefreshFailurePropagates(t *testing.T) {
	_, srv := newScriptedServer(t, scriptedResponse{401, ""})
	tokens := &stubTokens{
		token:      "stale",
		refreshErr: &auth.TokenError{Grant: "refresh_token", Status: 502, Body: "bad gateway"},
	}
	c, _ := testClient(srv, tokens)

	_, err := c.FetchRecovery(context.Background(), Query{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrSessionExpired, "a 5xx refresh failure is not a dead session")
}

func TestFetch_TokenSourceFailureIsUnauthorized(t *testing.T) {
	_, srv := newScriptedServer(t)
	tokens := &stubTokens{tokenErr: errs.ErrNoAccessToken, refreshErr: errs.ErrRefreshTokenMissing}
	c, _ := testClient(srv, tokens)

	_, err := c.FetchRecovery(context.Background(), Query{})
	assert.ErrorIs(t, err, errs.ErrSessionExpired)
}

// --- decoding ---

func TestFetch_InvalidJSONIsDecodeError(t *testing.T) {
	_, srv := newScriptedServer(t, scriptedResponse{200, "{nope"})
	c, delays := testClient(srv, &stubTokens{token: "tok"})

	_, err := c.FetchRecovery(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrDecode)
	assert.Empty(t, *delays, "decode failures are not retried")
}

func TestFetch_MissingRecordsIsDecodeError(t *testing.T) {
	_, srv := newScriptedServer(t, scriptedResponse{200, `{"data":[]}`})
	c, _ := testClient(srv, &stubTokens{token: "tok"})

	_, err := c.FetchSleep(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrDecode)
}
