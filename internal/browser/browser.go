// Package browser opens URLs in the user's default web browser.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens the URL in the default browser. It tries the
// platform-agnostic library first and falls back to well-known
// platform commands.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		return nil
	}

	return openPlatformSpecific(url)
}

// IsAvailable reports whether a browser opener exists on this system.
// Headless hosts (no DISPLAY, no xdg-open) return false, in which case
// the caller should print the URL for the user to open manually.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	default:
		for _, candidate := range linuxOpeners {
			if _, err := exec.LookPath(candidate); err == nil {
				return true
			}
		}

		return false
	}
}

var linuxOpeners = []string{"xdg-open", "x-www-browser", "firefox", "chromium", "google-chrome"}

func openPlatformSpecific(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		for _, candidate := range linuxOpeners {
			if _, err := exec.LookPath(candidate); err == nil {
				cmd = exec.Command(candidate, url)
				break
			}
		}

		if cmd == nil {
			return fmt.Errorf("no suitable browser opener found")
		}
	}

	return cmd.Start()
}
