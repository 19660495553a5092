//go:build unix

package userspace

import "syscall"

const terminateSignal = syscall.SIGTERM

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
