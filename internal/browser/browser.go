// Package browser opens URLs in the user's default web browser, with
// platform-specific fallbacks for systems where the generic opener fails.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// linuxBrowsers lists the launchers tried in order on Linux.
var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// OpenURL opens the URL in the default browser, falling back to
// platform-specific commands when the generic opener fails.
func OpenURL(url string) error {
	err := open.Run(url)
	if err == nil {
		return nil
	}
	log.Debugf("browser: generic opener failed: %v, trying platform command", err)
	return openPlatform(url)
}

func openPlatform(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, name := range linuxBrowsers {
			if _, err := exec.LookPath(name); err == nil {
				cmd = exec.Command(name, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("browser: no suitable launcher found")
		}
	default:
		return fmt.Errorf("browser: unsupported operating system %s", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: launch failed: %w", err)
	}
	return nil
}

// IsAvailable reports whether a browser launcher exists on this system.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("open")
		return err == nil
	case "windows":
		_, err := exec.LookPath("rundll32")
		return err == nil
	case "linux":
		for _, name := range linuxBrowsers {
			if _, err := exec.LookPath(name); err == nil {
				return true
			}
		}
		return false
	default:
		return false
	}
}
