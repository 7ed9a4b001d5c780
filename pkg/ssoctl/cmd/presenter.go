package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/telekom/ssoctl/pkg/sso"
)

// presenter prints the verification URL and user code and opens the browser
// unless that is disabled.
func (r *runtimeState) presenter() sso.Presenter {
	open := r.overrides.OpenBrowser
	if open == nil {
		open = openBrowser
	}
	return sso.PresenterFunc(func(_ context.Context, auth sso.DeviceAuthorization) {
		_, _ = fmt.Fprintf(r.ErrWriter(), "Visit %s and enter code: %s\n", auth.VerificationURI, auth.UserCode)
		url := auth.VerificationURL()
		if url == "" || r.browserDisabled() {
			return
		}
		if err := open(url); err != nil {
			_, _ = fmt.Fprintf(r.ErrWriter(), "Could not open a browser: %v\n", err)
		}
	})
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if cmd == nil {
		return errors.New("no browser command available")
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}
