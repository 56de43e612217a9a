//go:build !windows

package tmux

import (
	"os"

	"golang.org/x/sys/unix"
)

// setWinsize asserts the PTY window size through the kernel directly. Used at
// boot (before the control attach sees the tty) and on resize.
func setWinsize(ptmx *os.File, cols, rows int) error {
	return unix.IoctlSetWinsize(int(ptmx.Fd()), unix.TIOCSWINSZ, &unix.Winsize{
		Col: uint16(cols),
		Row: uint16(rows),
	})
}
