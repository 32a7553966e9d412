//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// stopProcess has no graceful equivalent on Windows, so it kills immediately.
func stopProcess(p *os.Process) error {
	return killProcess(p)
}

func killProcess(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
