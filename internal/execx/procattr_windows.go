//go:build windows

package execx

import (
	"errors"
	"os"
	"os/exec"
)

// SetProcessGroup is a no-op on windows; termination falls back to killing
// the direct child.
func SetProcessGroup(cmd *exec.Cmd) {}

// TerminateGroup kills the direct child.
func TerminateGroup(cmd *exec.Cmd) error {
	return KillGroup(cmd)
}

// KillGroup kills the direct child.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
