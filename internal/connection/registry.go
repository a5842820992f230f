// Package connection owns live serial connections: the receive buffer, the
// background reader, control lines and the registry that enforces capacity
// and one-connection-per-port.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/metrics"
	"github.com/standardbeagle/serial-mcp/internal/mirror"
	"github.com/standardbeagle/serial-mcp/internal/serialio"
)

const (
	// DefaultMaxConnections bounds concurrently open connections.
	DefaultMaxConnections = 10
	// DefaultGrace bounds how long close waits for in-flight operations.
	DefaultGrace = 3 * time.Second
)

// Options configures a Registry.
type Options struct {
	Opener         serialio.Opener
	MaxConnections int
	BufferLimit    int
	Grace          time.Duration

	// Mirrors allocates tees. Nil disables mirroring.
	Mirrors *mirror.Factory
	// MirrorMode applies when Settings.Mirror is empty.
	MirrorMode mirror.Mode
	// MirrorLinkBase is the alias prefix for tees.
	MirrorLinkBase string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Registry creates and tracks connections.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
	// conns holds live connections by id.
	conns map[string]*Connection
	// ports maps a normalized port name to the id holding it. An empty id is a
	// reservation for an open in progress.
	ports map[string]string
	// pending counts reservations toward capacity.
	pending int
	// issued remembers every id ever handed out.
	issued       map[string]struct{}
	shuttingDown bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Opener == nil {
		opts.Opener = serialio.System{}
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = DefaultBufferLimit
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.MirrorMode == "" {
		opts.MirrorMode = mirror.Off
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:   opts,
		logger: opts.Logger.With("component", "connections"),
		conns:  make(map[string]*Connection),
		ports:  make(map[string]string),
		issued: make(map[string]struct{}),
	}
}

// MaxConnections returns the configured capacity.
func (r *Registry) MaxConnections() int { return r.opts.MaxConnections }

// portKey normalizes name so two paths to one device collide.
func portKey(name string) string {
	if resolved, err := filepath.EvalSymlinks(name); err == nil {
		return resolved
	}
	return name
}

// newIDLocked draws ids until one was never issued. Caller holds mu.
func (r *Registry) newIDLocked() string {
	for {
		id := "s" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, seen := r.issued[id]; !seen {
			r.issued[id] = struct{}{}
			return id
		}
	}
}

// reserve checks capacity and the port under the lock and holds a slot.
func (r *Registry) reserve(key, port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return fault.New(fault.Unavailable, "server is shutting down")
	}
	if id, held := r.ports[key]; held {
		if id == "" {
			return fault.New(fault.PortInUse, "port %s is being opened", port)
		}
		return fault.New(fault.PortInUse, "port %s is already open as %s", port, id)
	}
	if len(r.conns)+r.pending >= r.opts.MaxConnections {
		return fault.New(fault.CapacityExceeded, "maximum of %d open connections reached", r.opts.MaxConnections)
	}
	r.ports[key] = ""
	r.pending++
	return nil
}

func (r *Registry) unreserve(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, key)
	r.pending--
}

// Open opens the port described by s and starts its reader.
func (r *Registry) Open(ctx context.Context, s Settings) (*Connection, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Newline == "" {
		s.Newline = DefaultNewline
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := portKey(s.Port)
	if err := r.reserve(key, s.Port); err != nil {
		return nil, err
	}

	port, err := r.opts.Opener.Open(s.Port, s.Mode)
	if err != nil {
		r.unreserve(key)
		return nil, openError(s.Port, err)
	}
	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		port.Close()
		r.unreserve(key)
		return nil, fault.Wrap(fault.DeviceError, err, "configure %s", s.Port)
	}

	r.mu.Lock()
	id := r.newIDLocked()
	r.mu.Unlock()

	c := newConnection(id, s, port, r.opts.BufferLimit, r.logger, r.opts.Metrics)
	c.key = key
	r.attachMirror(c)
	c.start()

	r.mu.Lock()
	r.pending--
	r.conns[id] = c
	r.ports[key] = id
	late := r.shuttingDown
	r.mu.Unlock()

	r.opts.Metrics.ConnectionOpened()
	if late {
		// Shutdown missed this one; a release failure is already logged.
		_ = r.close(ctx, id, "shutdown")
		return nil, fault.New(fault.Unavailable, "server is shutting down")
	}
	r.logger.Info("connection opened", "connection_id", id, "port", s.Port, "baudrate", s.Mode.BaudRate)
	return c, nil
}

// attachMirror sets up the tee before the reader starts. Failure degrades to
// no mirror and is reported on the connection.
func (r *Registry) attachMirror(c *Connection) {
	mode := c.settings.Mirror
	if mode == "" {
		mode = r.opts.MirrorMode
	}
	if mode == mirror.Off {
		return
	}
	if r.opts.Mirrors == nil {
		c.mirrorWarning = "mirroring is not configured"
		return
	}
	tee, err := r.opts.Mirrors.Attach(mirror.Config{Mode: mode, LinkBase: r.opts.MirrorLinkBase}, c.forwardFromMirror)
	if err != nil {
		c.mirrorWarning = fmt.Sprintf("mirror disabled: %v", err)
		c.logger.Warn("mirror disabled", "mode", mode, "error", err)
		return
	}
	c.tee = tee
	if w := tee.Info().Warning; w != "" {
		c.mirrorWarning = w
	}
}

func openError(port string, err error) error {
	switch {
	case errors.Is(err, serialio.ErrBusy):
		return fault.Wrap(fault.PortInUse, err, "open %s", port)
	case errors.Is(err, serialio.ErrNoSuchPort):
		return fault.Wrap(fault.Unavailable, err, "open %s", port)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.Unavailable, err, "open %s", port)
}

// Get returns the live connection with id.
func (r *Registry) Get(id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown connection_id: %s", id)
	}
	return c, nil
}

// Close stops the connection and releases its port. Closing an id that is not
// live fails with NotFound.
func (r *Registry) Close(ctx context.Context, id string) error {
	return r.close(ctx, id, "close")
}

func (r *Registry) close(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.NotFound, "unknown connection_id: %s", id)
	}
	delete(r.conns, id)
	r.mu.Unlock()

	err := c.shutdown(ctx, r.opts.Grace)

	// The port stays reserved until the handle is released.
	r.mu.Lock()
	if r.ports[c.key] == id {
		delete(r.ports, c.key)
	}
	r.mu.Unlock()

	r.opts.Metrics.ConnectionClosed(reason)
	if err != nil {
		r.logger.Warn("connection closed with errors", "connection_id", id, "error", err)
		return fault.Wrap(fault.DeviceError, err, "connection %s closed, but releasing %s failed", id, c.settings.Port)
	}
	r.logger.Info("connection closed", "connection_id", id)
	return nil
}

// List returns a status snapshot of every live connection, oldest first.
func (r *Registry) List() []Status {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown closes every connection in parallel. It refuses new opens first.
// A device that does not stop within the grace period is force-released.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shuttingDown = true
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.close(ctx, id, "shutdown"); err != nil && !fault.IsKind(err, fault.NotFound) {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", id, err))
				errMu.Unlock()
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
