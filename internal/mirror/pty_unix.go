//go:build !windows

package mirror

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// openPTY allocates a raw PTY pair. The master is switched to non-blocking
// mode and re-wrapped so it joins the runtime poller: Close unblocks a pending
// Read and write deadlines apply.
func openPTY() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("set pty raw: %w", err)
	}

	fd, err := unix.Dup(int(master.Fd()))
	if err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("dup pty master: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("set pty master non-blocking: %w", err)
	}
	nb := os.NewFile(uintptr(fd), master.Name())
	master.Close()
	return nb, slave, nil
}
