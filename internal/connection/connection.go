package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/metrics"
	"github.com/standardbeagle/serial-mcp/internal/mirror"
	"github.com/standardbeagle/serial-mcp/internal/serialio"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateOpen    State = "open"
	StateFaulted State = "faulted"
	StateClosed  State = "closed"
)

// Line is a modem control line.
type Line string

const (
	DTR Line = "dtr"
	RTS Line = "rts"
)

// ParseLine accepts dtr/rts in any case.
func ParseLine(s string) (Line, error) {
	switch Line(strings.ToLower(strings.TrimSpace(s))) {
	case DTR:
		return DTR, nil
	case RTS:
		return RTS, nil
	}
	return "", fault.New(fault.InvalidParams, "invalid line %q: must be dtr or rts", s)
}

// FlushTarget selects which hardware buffers Flush discards.
type FlushTarget string

const (
	FlushInput  FlushTarget = "input"
	FlushOutput FlushTarget = "output"
	FlushBoth   FlushTarget = "both"
)

const (
	// readPollTimeout is the device read timeout used by the reader loop so
	// it notices stop requests promptly.
	readPollTimeout = 50 * time.Millisecond
	// maxConsecutiveErrors device read failures in a row fault the connection.
	maxConsecutiveErrors = 10
	// MaxPulse caps PulseControlLine.
	MaxPulse = 10 * time.Second
	// MaxReadBytes caps any single read call.
	MaxReadBytes = 1 << 20
)

// SpecRef is a protocol spec attached to a connection. It lives in memory only.
type SpecRef struct {
	ID    string `json:"spec_id"`
	Title string `json:"title,omitempty"`
	Path  string `json:"path"`
}

// Status is the introspection snapshot of a connection.
type Status struct {
	ID            string       `json:"connection_id"`
	Port          string       `json:"port"`
	State         State        `json:"state"`
	IsOpen        bool         `json:"is_open"`
	Settings      SettingsView `json:"settings"`
	BufferedBytes int          `json:"buffered_bytes"`
	DroppedBytes  uint64       `json:"dropped_bytes"`
	BytesRead     uint64       `json:"bytes_read"`
	BytesWritten  uint64       `json:"bytes_written"`
	OpenedAt      time.Time    `json:"opened_at"`
	LastActivity  time.Time    `json:"last_activity"`
	Fault         string       `json:"fault,omitempty"`
	Mirror        *mirror.Info `json:"mirror,omitempty"`
	MirrorWarning string       `json:"mirror_warning,omitempty"`
	Spec          *SpecRef     `json:"spec,omitempty"`
}

// Connection owns one open port, its reader goroutine, its buffer and an
// optional mirror tee.
type Connection struct {
	id       string
	key      string
	settings Settings
	port     serialio.Port
	buf      *Buffer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	openedAt time.Time

	tee           mirror.Tee
	mirrorWarning string

	// writeMu serializes every physical write, agent or mirror originated.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	closing      bool
	faultMsg     string
	lastActivity time.Time
	spec         *SpecRef
	// ops tracks in-flight port operations. Add only while holding mu with
	// closing unset.
	ops sync.WaitGroup

	stop       chan struct{}
	readerDone chan struct{}

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

func newConnection(id string, s Settings, port serialio.Port, bufferLimit int, logger *slog.Logger, m *metrics.Metrics) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		settings:     s,
		port:         port,
		buf:          NewBuffer(bufferLimit),
		logger:       logger.With("connection_id", id, "port", s.Port),
		metrics:      m,
		openedAt:     now,
		lastActivity: now,
		state:        StateOpen,
		stop:         make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
}

// ID returns the opaque connection id.
func (c *Connection) ID() string { return c.id }

// Settings returns the negotiated settings.
func (c *Connection) Settings() Settings { return c.settings }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch refreshes the last-activity timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// AttachSpec records ref as this connection's protocol spec.
func (c *Connection) AttachSpec(ref SpecRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spec = &ref
}

// Spec returns the attached spec, if any.
func (c *Connection) Spec() (SpecRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spec == nil {
		return SpecRef{}, false
	}
	return *c.spec, true
}

// Status returns an introspection snapshot.
func (c *Connection) Status() Status {
	c.mu.Lock()
	st := Status{
		ID:            c.id,
		Port:          c.settings.Port,
		State:         c.state,
		IsOpen:        c.state == StateOpen && !c.closing,
		Settings:      c.settings.View(),
		OpenedAt:      c.openedAt,
		LastActivity:  c.lastActivity,
		Fault:         c.faultMsg,
		MirrorWarning: c.mirrorWarning,
	}
	if c.spec != nil {
		ref := *c.spec
		st.Spec = &ref
	}
	c.mu.Unlock()

	st.BufferedBytes = c.buf.Len()
	st.DroppedBytes = c.buf.Dropped()
	st.BytesRead = c.bytesRead.Load()
	st.BytesWritten = c.bytesWritten.Load()
	if c.tee != nil {
		info := c.tee.Info()
		st.Mirror = &info
	}
	return st
}

// begin registers an in-flight port operation. The returned func ends it.
func (c *Connection) begin() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	c.ops.Add(1)
	return c.ops.Done, nil
}

func (c *Connection) usableLocked() error {
	switch {
	case c.closing || c.state == StateClosed:
		return fault.New(fault.Closed, "connection %s is closed", c.id)
	case c.state == StateFaulted:
		return fault.New(fault.DeviceError, "connection %s is %s; close and reopen it", c.id, describeState(c.state, c.faultMsg))
	}
	return nil
}

// readTimeout applies the connection default when d is negative. A faulted
// connection only serves what is already buffered.
func (c *Connection) readTimeout(d time.Duration) (time.Duration, error) {
	if d < 0 {
		d = c.settings.Mode.ReadTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.state == StateClosed {
		return 0, fault.New(fault.Closed, "connection %s is closed", c.id)
	}
	if c.state == StateFaulted {
		if c.buf.Len() == 0 {
			return 0, c.usableLocked()
		}
		return 0, nil
	}
	return d, nil
}

// Read returns up to n buffered bytes, waiting up to timeout for the first
// one. A negative timeout uses the connection default. Zero bytes is not an
// error.
func (c *Connection) Read(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	if n > MaxReadBytes {
		n = MaxReadBytes
	}
	timeout, err := c.readTimeout(timeout)
	if err != nil {
		return nil, err
	}
	data, err := c.buf.Read(ctx, n, timeout)
	return data, c.closedOr(err)
}

// ReadUntil returns bytes through delim or the first maxBytes with
// found=false. It fails with Timeout, leaving data buffered, when neither
// happens before the deadline.
func (c *Connection) ReadUntil(ctx context.Context, delim []byte, maxBytes int, timeout time.Duration) ([]byte, bool, error) {
	if maxBytes > MaxReadBytes {
		maxBytes = MaxReadBytes
	}
	timeout, err := c.readTimeout(timeout)
	if err != nil {
		return nil, false, err
	}
	data, found, err := c.buf.ReadUntil(ctx, delim, maxBytes, timeout)
	return data, found, c.closedOr(err)
}

// ReadLine is ReadUntil with the line terminator, defaulting to the
// connection newline.
func (c *Connection) ReadLine(ctx context.Context, newline string, maxBytes int, timeout time.Duration) ([]byte, bool, error) {
	if newline == "" {
		newline = c.settings.Newline
	}
	return c.ReadUntil(ctx, []byte(newline), maxBytes, timeout)
}

// closedOr rewrites a buffer Closed error to name this connection.
func (c *Connection) closedOr(err error) error {
	if errors.Is(err, fault.ErrClosed) {
		return fault.New(fault.Closed, "connection %s was closed", c.id)
	}
	return err
}

// Write sends p to the device under the write lock and returns the byte count.
func (c *Connection) Write(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	done, err := c.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	return c.writeLocked(p, "agent")
}

// forwardFromMirror is the duplex tee's path to the device.
func (c *Connection) forwardFromMirror(p []byte) error {
	done, err := c.begin()
	if err != nil {
		return err
	}
	defer done()
	_, err = c.writeLocked(p, "mirror")
	return err
}

func (c *Connection) writeLocked(p []byte, source string) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		n, err := c.port.Write(p[written:])
		written += n
		if err != nil {
			c.recordWrite(written, source)
			c.markFaulted(err)
			return written, fault.Wrap(fault.DeviceError, err, "write to %s", c.settings.Port)
		}
		if n == 0 {
			c.recordWrite(written, source)
			return written, fault.New(fault.DeviceError, "write to %s made no progress", c.settings.Port)
		}
	}
	c.recordWrite(written, source)
	return written, nil
}

func (c *Connection) recordWrite(n int, source string) {
	c.bytesWritten.Add(uint64(n))
	c.metrics.AddBytesWritten(source, n)
}

// SetControlLine sets DTR or RTS.
func (c *Connection) SetControlLine(line Line, value bool) error {
	done, err := c.begin()
	if err != nil {
		return err
	}
	defer done()
	return c.setLine(line, value)
}

func (c *Connection) setLine(line Line, value bool) error {
	var err error
	switch line {
	case DTR:
		err = c.port.SetDTR(value)
	case RTS:
		err = c.port.SetRTS(value)
	default:
		return fault.New(fault.InvalidParams, "invalid line %q", line)
	}
	if err != nil {
		return fault.Wrap(fault.DeviceError, err, "set %s on %s", line, c.settings.Port)
	}
	return nil
}

// PulseControlLine drives line low for d, then high. Close waits for a pulse
// in progress. Durations above MaxPulse are capped.
func (c *Connection) PulseControlLine(ctx context.Context, line Line, d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, fault.New(fault.InvalidParams, "duration must be non-negative")
	}
	if d > MaxPulse {
		d = MaxPulse
	}
	done, err := c.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	if err := c.setLine(line, false); err != nil {
		return 0, err
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	// The line is always restored, even when the caller gave up.
	if err := c.setLine(line, true); err != nil {
		return d, err
	}
	return d, ctx.Err()
}

// Flush discards hardware buffers. Flushing input also clears the receive
// buffer; it returns how many buffered bytes were dropped.
func (c *Connection) Flush(target FlushTarget) (int, error) {
	switch target {
	case FlushInput, FlushOutput, FlushBoth:
	default:
		return 0, fault.New(fault.InvalidParams, "invalid flush target %q: must be input, output or both", target)
	}
	done, err := c.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	cleared := 0
	if target == FlushInput || target == FlushBoth {
		if err := c.port.ResetInputBuffer(); err != nil {
			return 0, fault.Wrap(fault.DeviceError, err, "reset input buffer on %s", c.settings.Port)
		}
		cleared = c.buf.Clear()
	}
	if target == FlushOutput || target == FlushBoth {
		if err := c.port.ResetOutputBuffer(); err != nil {
			return cleared, fault.Wrap(fault.DeviceError, err, "reset output buffer on %s", c.settings.Port)
		}
	}
	return cleared, nil
}

func (c *Connection) markFaulted(cause error) {
	c.mu.Lock()
	if c.state != StateOpen || c.closing {
		c.mu.Unlock()
		return
	}
	c.state = StateFaulted
	c.faultMsg = cause.Error()
	c.mu.Unlock()

	c.metrics.ConnectionFaulted()
	c.logger.Warn("connection faulted", "error", cause)
}

// start launches the reader.
func (c *Connection) start() {
	go c.readLoop()
}

// readLoop is the only place device bytes enter the system. Each chunk goes
// to the buffer, then to the tee, so both see the same order.
func (c *Connection) readLoop() {
	defer close(c.readerDone)

	buf := make([]byte, 4096)
	errs := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		n, err := c.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.buf.Append(chunk)
			if c.tee != nil {
				c.tee.Mirror(chunk)
			}
			c.bytesRead.Add(uint64(n))
			c.metrics.AddBytesRead(n)
			errs = 0
		}
		if err == nil {
			continue
		}

		select {
		case <-c.stop:
			return
		default:
		}
		errs++
		c.logger.Debug("device read failed", "error", err, "consecutive", errs)
		if errs >= maxConsecutiveErrors {
			c.markFaulted(fmt.Errorf("%d consecutive read errors: %w", errs, err))
			return
		}
		select {
		case <-c.stop:
			return
		case <-time.After(readPollTimeout):
		}
	}
}

// shutdown stops the connection. It waits up to grace for in-flight
// operations, then for the reader, and force-closes the port either way.
func (c *Connection) shutdown(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	if c.closing || c.state == StateClosed {
		c.mu.Unlock()
		return fault.New(fault.Closed, "connection %s is already closing", c.id)
	}
	c.closing = true
	c.mu.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	opsDone := make(chan struct{})
	go func() {
		c.ops.Wait()
		close(opsDone)
	}()
	forced := false
	select {
	case <-opsDone:
	case <-deadline.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	if forced {
		c.logger.Warn("in-flight operations did not finish; forcing release")
	}

	close(c.stop)
	c.buf.Close()

	var errs []error
	if !forced {
		select {
		case <-c.readerDone:
		case <-deadline.C:
			forced = true
		case <-ctx.Done():
			forced = true
		}
	}
	if err := c.port.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", c.settings.Port, err))
	}
	if forced {
		// Closing the port unblocks a stuck Read; give the reader a moment.
		select {
		case <-c.readerDone:
		case <-time.After(4 * readPollTimeout):
			c.logger.Warn("reader did not stop after port close")
		}
	}
	if c.tee != nil {
		if err := c.tee.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mirror: %w", err))
		}
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.logger.Debug("connection closed", "forced", forced)
	return errors.Join(errs...)
}
