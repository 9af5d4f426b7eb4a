//go:build !unix

package kernelmanager

import "os"

func interruptSignal() os.Signal { return os.Interrupt }
func termSignal() os.Signal      { return os.Kill }
func killSignal() os.Signal      { return os.Kill }
