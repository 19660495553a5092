//go:build !unix

package userspace

import (
	"os"
	"syscall"
)

var terminateSignal = os.Interrupt

func sysProcAttr() *syscall.SysProcAttr { return nil }
