package extension

import (
	"context"
	"log/slog"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/pkg/extsdk"
)

// registryHost gives extension handlers the same device path the built-in
// tools use.
type registryHost struct {
	conns  *connection.Registry
	logger *slog.Logger
}

var _ extsdk.Host = (*registryHost)(nil)

// NewHost adapts a connection registry to extsdk.Host.
func NewHost(conns *connection.Registry, logger *slog.Logger) extsdk.Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &registryHost{conns: conns, logger: logger}
}

func (h *registryHost) conn(id string) (*connection.Connection, error) {
	c, err := h.conns.Get(id)
	if err != nil {
		return nil, err
	}
	c.Touch()
	return c, nil
}

func (h *registryHost) Write(ctx context.Context, id string, data []byte) (int, error) {
	c, err := h.conn(id)
	if err != nil {
		return 0, err
	}
	return c.Write(ctx, data)
}

func (h *registryHost) WriteLine(ctx context.Context, id, text string) (int, error) {
	c, err := h.conn(id)
	if err != nil {
		return 0, err
	}
	s := c.Settings()
	data, err := connection.Encode(s.Encoding, text+s.Newline)
	if err != nil {
		return 0, err
	}
	return c.Write(ctx, data)
}

func (h *registryHost) Read(ctx context.Context, id string, n int, timeout time.Duration) ([]byte, error) {
	c, err := h.conn(id)
	if err != nil {
		return nil, err
	}
	return c.Read(ctx, n, timeout)
}

func (h *registryHost) ReadUntil(ctx context.Context, id string, delim []byte, maxBytes int, timeout time.Duration) ([]byte, bool, error) {
	c, err := h.conn(id)
	if err != nil {
		return nil, false, err
	}
	return c.ReadUntil(ctx, delim, maxBytes, timeout)
}

func (h *registryHost) ReadLine(ctx context.Context, id string, maxBytes int, timeout time.Duration) ([]byte, bool, error) {
	c, err := h.conn(id)
	if err != nil {
		return nil, false, err
	}
	return c.ReadLine(ctx, "", maxBytes, timeout)
}

func (h *registryHost) SetControlLine(ctx context.Context, id, line string, value bool) error {
	l, err := connection.ParseLine(line)
	if err != nil {
		return err
	}
	c, err := h.conn(id)
	if err != nil {
		return err
	}
	return c.SetControlLine(l, value)
}

func (h *registryHost) PulseControlLine(ctx context.Context, id, line string, d time.Duration) error {
	l, err := connection.ParseLine(line)
	if err != nil {
		return err
	}
	c, err := h.conn(id)
	if err != nil {
		return err
	}
	_, err = c.PulseControlLine(ctx, l, d)
	return err
}

func (h *registryHost) Flush(ctx context.Context, id, target string) (int, error) {
	c, err := h.conn(id)
	if err != nil {
		return 0, err
	}
	return c.Flush(connection.FlushTarget(target))
}

func (h *registryHost) Logger() *slog.Logger { return h.logger }
