//go:build windows

package mirror

import "os"

func openPTY() (*os.File, *os.File, error) {
	return nil, nil, ErrUnsupported
}
