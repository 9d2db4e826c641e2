//go:build unix && !linux

package launcher

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent in its own process group so signals reach the
// tools it spawned as well.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcessGroup(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGINT)
}

func killProcessGroup(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
