//go:build unix

package connfile

import (
	"os"
	"syscall"
)

// setLingerZero sets SO_LINGER to 0 on fd so the ephemeral probe socket
// releases its port immediately on close instead of lingering in TIME_WAIT,
// avoiding a race with the kernel process binding the same port.
func setLingerZero(fd uintptr) error {
	return syscall.SetsockoptLinger(int(fd), syscall.SOL_SOCKET, syscall.SO_LINGER, &syscall.Linger{Onoff: 1, Linger: 0})
}

// setStickyBit sets the sticky bit on dir, matching Jupyter's runtime-dir
// convention so other users on a shared host can't delete each other's
// connection files. Best-effort: failures are ignored since not every
// filesystem supports it.
func setStickyBit(dir string) {
	info, err := os.Stat(dir)
	if err != nil {
		return
	}
	_ = os.Chmod(dir, info.Mode()|os.ModeSticky)
}
