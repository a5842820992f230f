package connection

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

// DefaultBufferLimit caps buffered device output per connection.
const DefaultBufferLimit = 1 << 20

// Buffer is the received-bytes queue of one connection. The reader goroutine
// is the only producer; read calls consume a prefix. Waiters block on a
// broadcast channel that is replaced on every append.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	limit   int
	dropped uint64
	// consumed changes whenever a prefix is removed, invalidating scan offsets.
	consumed uint64
	closed   bool
	notify   chan struct{}
}

// NewBuffer returns a buffer holding at most limit bytes. When full, the
// oldest bytes are dropped.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{limit: limit, notify: make(chan struct{})}
}

func (b *Buffer) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Append adds p to the tail.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
		b.dropped += uint64(over)
		b.consumed++
	}
	b.broadcast()
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Dropped returns how many bytes overflow has discarded.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear discards everything buffered and returns the count.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.data)
	b.data = nil
	b.consumed++
	return n
}

// Close wakes all waiters; they observe Closed.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.data = nil
	b.broadcast()
}

// take removes and returns the first n bytes. Caller holds mu.
func (b *Buffer) take(n int) []byte {
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]
	if len(b.data) == 0 {
		b.data = nil
	}
	b.consumed++
	return out
}

// wait blocks until the buffer changes, the deadline passes or ctx ends.
// Caller holds mu; wait releases it while blocked and reacquires it.
func (b *Buffer) wait(ctx context.Context, timer <-chan time.Time) (expired bool, err error) {
	ch := b.notify
	b.mu.Unlock()
	defer b.mu.Lock()
	select {
	case <-ch:
		return false, nil
	case <-timer:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Read removes up to n bytes, waiting up to timeout for at least one byte.
// When the timeout elapses with nothing buffered it returns an empty slice and
// no error.
func (b *Buffer) Read(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return nil, fault.ErrClosed
		}
		if len(b.data) > 0 {
			return b.take(min(n, len(b.data))), nil
		}
		if timeout <= 0 {
			return []byte{}, nil
		}
		expired, err := b.wait(ctx, timer.C)
		if err != nil {
			return nil, err
		}
		if expired && !b.closed && len(b.data) == 0 {
			return []byte{}, nil
		}
	}
}

// ReadUntil removes bytes through the first occurrence of delim. If maxBytes
// accumulate first, exactly maxBytes are returned with found=false. On
// timeout nothing is consumed and the error is Timeout.
func (b *Buffer) ReadUntil(ctx context.Context, delim []byte, maxBytes int, timeout time.Duration) (data []byte, found bool, err error) {
	if len(delim) == 0 {
		return nil, false, fault.New(fault.InvalidParams, "delimiter must not be empty")
	}
	if maxBytes <= 0 {
		return nil, false, fault.New(fault.InvalidParams, "max_bytes must be positive")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	scanned, gen := 0, b.consumed
	for {
		if b.closed {
			return nil, false, fault.ErrClosed
		}
		if gen != b.consumed {
			scanned, gen = 0, b.consumed
		}
		// Bytes before scanned-len(delim)+1 cannot start a match.
		window := b.data[:min(len(b.data), maxBytes)]
		from := min(max(0, scanned-len(delim)+1), len(window))
		if i := bytes.Index(window[from:], delim); i >= 0 {
			return b.take(from + i + len(delim)), true, nil
		}
		if len(b.data) >= maxBytes {
			return b.take(maxBytes), false, nil
		}
		scanned = len(window)

		expired, err := b.wait(ctx, timer.C)
		if err != nil {
			return nil, false, err
		}
		if expired {
			// One last look in case data landed with the deadline.
			if !b.closed {
				window := b.data[:min(len(b.data), maxBytes)]
				if i := bytes.Index(window, delim); i >= 0 {
					return b.take(i + len(delim)), true, nil
				}
				if len(b.data) >= maxBytes {
					return b.take(maxBytes), false, nil
				}
			}
			if b.closed {
				return nil, false, fault.ErrClosed
			}
			return nil, false, fault.New(fault.Timeout, "delimiter %q not seen within %s (%d bytes buffered)", delim, timeout, len(b.data))
		}
	}
}
