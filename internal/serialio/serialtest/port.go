// Package serialtest provides in-memory serial ports for tests.
package serialtest

import (
	"errors"
	"sync"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/serialio"
)

// ErrPortClosed is returned by operations on a closed fake port.
var ErrPortClosed = errors.New("serialtest: port closed")

// LineEvent records a control line change.
type LineEvent struct {
	Line  string
	Value bool
	At    time.Time
}

// Port is a fake device. Bytes written by the host are recorded and, when
// Echo is set, looped back to the read side. Tests inject device output with
// Feed.
type Port struct {
	Name string
	// Echo loops written bytes back to the reader.
	Echo bool
	// MaxChunk limits how many bytes a single Write accepts, forcing callers
	// to loop. Zero means unlimited.
	MaxChunk int
	// WriteDelay is slept inside every Write call.
	WriteDelay time.Duration

	mu          sync.Mutex
	notify      chan struct{}
	rx          []byte
	writes      [][]byte
	lines       []LineEvent
	readTimeout time.Duration
	readErr     error
	writeErr    error
	closeErr    error
	closed      bool
	closes      int
	flushedIn   int
	flushedOut  int
}

var _ serialio.Port = (*Port)(nil)

// NewPort returns an open fake port.
func NewPort(name string, echo bool) *Port {
	return &Port{Name: name, Echo: echo, notify: make(chan struct{}), readTimeout: 50 * time.Millisecond}
}

func (p *Port) wake() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Feed makes b available to the next Read calls.
func (p *Port) Feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, b...)
	p.wake()
}

// FailReads makes every subsequent Read return err.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.wake()
}

// FailWrites makes every subsequent Write return err.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// FailClose makes Close release the port but report err.
func (p *Port) FailClose(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	deadline := time.Now().Add(p.readTimeout)
	for {
		if p.closed {
			p.mu.Unlock()
			return 0, ErrPortClosed
		}
		if p.readErr != nil {
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		}
		if len(p.rx) > 0 {
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			p.mu.Unlock()
			return 0, nil
		}
		ch := p.notify
		p.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(wait):
		}
		p.mu.Lock()
	}
}

func (p *Port) Write(b []byte) (int, error) {
	if p.WriteDelay > 0 {
		time.Sleep(p.WriteDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b)
	if p.MaxChunk > 0 && n > p.MaxChunk {
		n = p.MaxChunk
	}
	chunk := append([]byte(nil), b[:n]...)
	p.writes = append(p.writes, chunk)
	if p.Echo {
		p.rx = append(p.rx, chunk...)
		p.wake()
	}
	return n, nil
}

func (p *Port) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d
	return nil
}

func (p *Port) SetDTR(v bool) error { return p.setLine("dtr", v) }
func (p *Port) SetRTS(v bool) error { return p.setLine("rts", v) }

func (p *Port) setLine(line string, v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.lines = append(p.lines, LineEvent{Line: line, Value: v, At: time.Now()})
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	p.flushedIn++
	return nil
}

func (p *Port) ResetOutputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushedOut++
	return nil
}

func (p *Port) Drain() error { return nil }

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	if p.closed {
		return ErrPortClosed
	}
	p.closed = true
	p.wake()
	return p.closeErr
}

// Written returns everything written to the device, concatenated.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, w := range p.writes {
		out = append(out, w...)
	}
	return out
}

// Writes returns each accepted Write chunk.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Lines returns recorded control line changes.
func (p *Port) Lines() []LineEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LineEvent(nil), p.lines...)
}

// Closed reports whether Close has been called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Flushes returns how many times input and output were reset.
func (p *Port) Flushes() (in, out int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushedIn, p.flushedOut
}
