//go:build !windows

package trace

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openAppend opens path for appending without following a symlink in the
// final component.
func openAppend(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_APPEND|unix.O_CREAT|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o644)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, fmt.Errorf("trace path %s is a symlink; refusing to follow", path)
		}
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}
