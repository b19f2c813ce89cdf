//go:build linux

package service

import "syscall"

var terminateSignal = syscall.SIGTERM

// childProcAttr — дочерний процесс получает SIGTERM, если супервизор умер.
func childProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
