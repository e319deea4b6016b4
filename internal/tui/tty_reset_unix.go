//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// bestEffortResetTTY puts the controlling terminal back in cooked mode in
// case the chat exited without restoring it.
func bestEffortResetTTY() {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return
	}
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return
	}
	defer tty.Close()
	cmd := exec.Command("stty", "sane")
	cmd.Stdin = tty
	_ = cmd.Run()
}
