//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// stopProcess asks the whole process group to exit.
func stopProcess(p *os.Process) error {
	return ignoreGone(syscall.Kill(-p.Pid, syscall.SIGTERM))
}

// killProcess forcibly kills the whole process group.
func killProcess(p *os.Process) error {
	return ignoreGone(syscall.Kill(-p.Pid, syscall.SIGKILL))
}

func ignoreGone(err error) error {
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
