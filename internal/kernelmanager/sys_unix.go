//go:build unix

package kernelmanager

import (
	"os"
	"syscall"
)

func interruptSignal() os.Signal { return syscall.SIGINT }
func termSignal() os.Signal      { return syscall.SIGTERM }
func killSignal() os.Signal      { return syscall.SIGKILL }
