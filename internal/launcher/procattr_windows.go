//go:build windows

package launcher

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

// interruptProcessGroup is best effort: Windows has no SIGINT for arbitrary
// processes, so the grace timer ends up forcing the exit.
func interruptProcessGroup(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killProcessGroup(p *os.Process) error {
	return p.Kill()
}
