package remediation

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// urlOpener hands a URL to the operating system.
type urlOpener func(ctx context.Context, target string) error

// DesktopURL returns the GitHub Desktop deep link for a local repository.
func DesktopURL(repoPath string) string {
	return "x-github-client://openRepo/" + url.PathEscape(repoPath)
}

func openURL(ctx context.Context, target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", target)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", target)
	case "linux", "freebsd", "openbsd", "netbsd":
		cmd = exec.CommandContext(ctx, "xdg-open", target)
	default:
		return fmt.Errorf("desktop hand-off not supported on %s", runtime.GOOS)
	}
	return cmd.Run()
}
