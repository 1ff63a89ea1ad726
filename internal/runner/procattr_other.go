//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

// KillGroup kills the process itself; process groups are unix-only.
func KillGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// SetProcessGroup is a no-op outside unix.
func SetProcessGroup(cmd *exec.Cmd) {}
