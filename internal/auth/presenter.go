package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/biosync/internal/browser"
	errs "github.com/alexjbarnes/biosync/internal/errors"
)

// callbackPagePath is the path the provider redirects to; it must match
// the path component of the configured redirect URI.
const callbackPagePath = "/callback"

// callbackPage is shown in the browser once the redirect has been
// captured.
const callbackPage = `<!DOCTYPE html>
<html><body><p>Authorization received. You can close this window and return to the terminal.</p></body></html>`

// LoopbackPresenter opens the authorization URL in the user's browser
// and captures the provider redirect on a local loopback HTTP server.
// The listener is bound before the browser opens so the redirect can
// never race the server start.
type LoopbackPresenter struct {
	// RedirectURI determines the loopback address and path to serve.
	// Must use a host the OS can bind, e.g. http://127.0.0.1:53682/callback.
	RedirectURI string

	// Timeout bounds the wait for the user to complete the flow.
	Timeout time.Duration

	// OpenURL opens a URL in the browser. Defaults to browser.OpenURL.
	OpenURL func(url string) error

	Logger *slog.Logger
}

// Present serves the redirect URI on loopback, opens authURL in the
// browser, and returns the full callback URL. Cancelling ctx aborts
// the wait with ErrAuthorizationCancelled.
func (p *LoopbackPresenter) Present(ctx context.Context, authURL string) (string, error) {
	u, err := url.Parse(p.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URI: %w", err)
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return "", fmt.Errorf("binding callback listener on %s: %w", u.Host, err)
	}
	defer listener.Close()

	result := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPagePath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, callbackPage)

		select {
		case result <- p.RedirectURI + "?" + r.URL.RawQuery:
		default:
			// A second hit on the callback loses the race; ignore it.
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		// ErrServerClosed is the normal shutdown path.
		_ = server.Serve(listener)
	}()
	defer server.Close()

	openURL := p.OpenURL
	if openURL == nil {
		openURL = browser.OpenURL
	}

	if !browser.IsAvailable() && p.OpenURL == nil {
		p.Logger.Warn("no browser available, open the URL manually")
		fmt.Printf("Visit the following URL to authorize:\n%s\n", authURL)
	} else if err := openURL(authURL); err != nil {
		p.Logger.Warn("opening browser failed, open the URL manually",
			slog.String("error", err.Error()))
		fmt.Printf("Visit the following URL to authorize:\n%s\n", authURL)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", errs.ErrAuthorizationCancelled
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for authorization callback: %w", errs.ErrAuthorizationCancelled)
	case callback := <-result:
		return callback, nil
	}
}
