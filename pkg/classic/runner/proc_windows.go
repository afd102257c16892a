//go:build windows

package runner

import "os/exec"

// setProcAttrs is a no-op on Windows; process groups are not used there
// for job isolation (spec.md's three outbound methods are all POSIX-only).
func setProcAttrs(cmd *exec.Cmd, newSession bool) {}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
