//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores sane terminal modes after the program
// exits. Bubbletea normally does this itself, but an interrupt at the
// wrong moment can leave the terminal with echo or ICRNL off.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || (fi.Mode()&os.ModeCharDevice) == 0 {
		return
	}
	// Target /dev/tty directly so redirected stdin does not matter.
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
