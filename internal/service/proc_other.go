//go:build !linux

package service

import (
	"os"
	"syscall"
)

var terminateSignal os.Signal = os.Interrupt

func childProcAttr() *syscall.SysProcAttr {
	return nil
}
