// Package mirror duplicates a connection's byte stream onto a pseudo-terminal
// so an external tool (a terminal emulator, a logic analyzer UI) can observe
// or drive the device while the bridge keeps exclusive hold of the port.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects how a tee behaves.
type Mode string

const (
	// Off creates no tee.
	Off Mode = "off"
	// Observe duplicates device output; writes from the PTY side are discarded.
	Observe Mode = "ro"
	// Duplex also forwards PTY-side writes to the device.
	Duplex Mode = "rw"
)

// ErrUnsupported is returned when the platform cannot allocate a PTY.
var ErrUnsupported = errors.New("pty mirroring is not supported on this platform")

// ParseMode accepts off/ro/rw and their long aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "disabled", "none", "0", "false":
		return Off, nil
	case "ro", "observe", "read-only":
		return Observe, nil
	case "rw", "duplex", "read-write":
		return Duplex, nil
	}
	return Off, fmt.Errorf("invalid mirror mode %q: must be off, ro or rw", s)
}

// mirrorWriteTimeout bounds how long device output waits on a PTY nobody reads.
const mirrorWriteTimeout = 20 * time.Millisecond

// Info describes an attached tee.
type Info struct {
	Mode    Mode   `json:"mode"`
	PTY     string `json:"pty,omitempty"`
	Link    string `json:"link,omitempty"`
	Index   int    `json:"index"`
	Dropped uint64 `json:"dropped_bytes"`
	Warning string `json:"warning,omitempty"`
}

// Tee receives every byte the connection reader sees.
type Tee interface {
	// Mirror copies p to the PTY. It never blocks for long; bytes a slow
	// observer cannot take are dropped.
	Mirror(p []byte)
	Info() Info
	Close() error
}

// ForwardFunc writes PTY-originated bytes to the device. Implementations take
// the connection's write lock.
type ForwardFunc func(p []byte) error

// Config is a per-connection tee request.
type Config struct {
	Mode Mode
	// LinkBase is the alias prefix. The tee's alias is LinkBase+index. Empty
	// disables the alias.
	LinkBase string
}

// Factory allocates tees and their alias indices. Indices are the lowest free
// value, so aliases are deterministic across restarts.
type Factory struct {
	logger *slog.Logger
	open   func() (master, slave *os.File, err error)

	mu   sync.Mutex
	used map[int]bool
}

// NewFactory returns a Factory using the platform PTY.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		logger: logger.With("component", "mirror"),
		open:   openPTY,
		used:   make(map[int]bool),
	}
}

func (f *Factory) allocate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := 0
	for f.used[i] {
		i++
	}
	f.used[i] = true
	return i
}

func (f *Factory) release(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.used, i)
}

// Attach creates a tee. It returns nil, nil when cfg.Mode is Off.
func (f *Factory) Attach(cfg Config, forward ForwardFunc) (Tee, error) {
	if cfg.Mode == Off || cfg.Mode == "" {
		return nil, nil
	}
	if cfg.Mode == Duplex && forward == nil {
		return nil, errors.New("duplex mirror requires a forward func")
	}
	master, slave, err := f.open()
	if err != nil {
		return nil, err
	}

	idx := f.allocate()
	t := &ptyTee{
		factory: f,
		master:  master,
		slave:   slave,
		forward: forward,
		done:    make(chan struct{}),
		info: Info{
			Mode:  cfg.Mode,
			PTY:   slave.Name(),
			Index: idx,
		},
	}
	if cfg.LinkBase != "" {
		link := cfg.LinkBase + strconv.Itoa(idx)
		if err := replaceLink(link, slave.Name()); err != nil {
			t.info.Warning = err.Error()
			f.logger.Warn("mirror alias not created", "link", link, "error", err)
		} else {
			t.info.Link = link
		}
	}

	go t.pump()
	f.logger.Debug("mirror attached", "mode", cfg.Mode, "pty", t.info.PTY, "link", t.info.Link)
	return t, nil
}

// replaceLink points link at target. A stale symlink is replaced; any other
// existing file is left alone.
func replaceLink(link, target string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("alias %s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("remove stale alias: %w", err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("create alias: %w", err)
	}
	return nil
}

type ptyTee struct {
	factory *Factory
	master  *os.File
	slave   *os.File
	forward ForwardFunc
	info    Info
	dropped atomic.Uint64
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (t *ptyTee) Mirror(p []byte) {
	if len(p) == 0 {
		return
	}
	_ = t.master.SetWriteDeadline(time.Now().Add(mirrorWriteTimeout))
	n, err := t.master.Write(p)
	if err != nil && n < len(p) {
		t.dropped.Add(uint64(len(p) - n))
	}
}

func (t *ptyTee) Info() Info {
	info := t.info
	info.Dropped = t.dropped.Load()
	return info
}

// pump drains bytes written on the PTY side. Only duplex tees forward them.
// The PTY carries an unframed byte stream, so each read is forwarded as one
// chunk under the device write lock and atomicity holds per chunk.
func (t *ptyTee) pump() {
	defer close(t.done)
	buf := make([]byte, 4096)
	for {
		n, err := t.master.Read(buf)
		if n > 0 && t.info.Mode == Duplex {
			chunk := append([]byte(nil), buf[:n]...)
			if ferr := t.forward(chunk); ferr != nil {
				t.factory.logger.Warn("mirror forward failed", "pty", t.info.PTY, "error", ferr)
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}
	}
}

func (t *ptyTee) Close() error {
	t.closeOnce.Do(func() {
		var errs []error
		if err := t.master.Close(); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-t.done:
		case <-time.After(time.Second):
			t.factory.logger.Warn("mirror pump did not stop", "pty", t.info.PTY)
		}
		if err := t.slave.Close(); err != nil {
			errs = append(errs, err)
		}
		if t.info.Link != "" {
			if err := os.Remove(t.info.Link); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		t.factory.release(t.info.Index)
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}
