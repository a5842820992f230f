package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/extension"
	"github.com/standardbeagle/serial-mcp/internal/metrics"
	"github.com/standardbeagle/serial-mcp/internal/project"
	"github.com/standardbeagle/serial-mcp/internal/serialio"
	"github.com/standardbeagle/serial-mcp/internal/serialio/serialtest"
	"github.com/standardbeagle/serial-mcp/internal/specs"
	"github.com/standardbeagle/serial-mcp/internal/trace"
)

type harness struct {
	svc     *Service
	table   *dispatch.Table
	opener  *serialtest.Opener
	conns   *connection.Registry
	exts    *extension.Registry
	specs   *specs.Store
	tracer  *trace.Tracer
	metrics *metrics.Metrics
	proj    *project.Project
}

func newHarness(t *testing.T, policy extension.Policy) *harness {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	proj, err := project.Detect(filepath.Join(dir, project.StateDirName), dir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(proj.PluginsDir(), 0o755))

	h := &harness{
		table:   dispatch.New(),
		opener:  serialtest.NewEchoOpener(),
		metrics: metrics.New(),
		proj:    proj,
	}
	h.conns = connection.NewRegistry(connection.Options{
		Opener:         h.opener,
		MaxConnections: 2,
		Grace:          time.Second,
		Metrics:        h.metrics,
	})
	t.Cleanup(func() { _ = h.conns.Shutdown(context.Background()) })

	h.exts, err = extension.NewRegistry(extension.Options{
		Dir:     proj.PluginsDir(),
		Policy:  policy,
		Table:   h.table,
		Host:    extension.NewHost(h.conns, nil),
		Grace:   50 * time.Millisecond,
		Metrics: h.metrics,
	})
	require.NoError(t, err)

	h.specs = specs.NewStore(proj, nil)
	h.tracer, err = trace.New(trace.Options{Capacity: 100})
	require.NoError(t, err)

	h.svc = New(h.table, Deps{
		Connections: h.conns,
		Extensions:  h.exts,
		Specs:       h.specs,
		Tracer:      h.tracer,
		Metrics:     h.metrics,
		ListPorts: func() ([]serialio.PortInfo, error) {
			return []serialio.PortInfo{{Device: "/dev/ttyUSB0", VID: "0x0403", PID: "0x6001", IsUSB: true}}, nil
		},
	})
	require.NoError(t, h.svc.RegisterBuiltins())
	return h
}

func (h *harness) call(t *testing.T, tool string, args map[string]any) Envelope {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return h.svc.Call(t.Context(), tool, raw)
}

func (h *harness) mustOK(t *testing.T, tool string, args map[string]any) Envelope {
	t.Helper()
	env := h.call(t, tool, args)
	require.True(t, env.OK(), "%s failed: %v", tool, env["error"])
	return env
}

func (h *harness) open(t *testing.T, port string) string {
	t.Helper()
	env := h.mustOK(t, "serial.open", map[string]any{"port": port})
	id, _ := env["connection_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestBuiltinsAreRegistered(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	for _, name := range []string{
		"serial.list_ports", "serial.open", "serial.close", "serial.connection_status",
		"serial.read", "serial.write", "serial.readline", "serial.read_until", "serial.flush",
		"serial.set_dtr", "serial.set_rts", "serial.pulse_dtr", "serial.pulse_rts",
		"serial.connections.list", "serial.plugin.list", "serial.plugin.load", "serial.plugin.reload",
		"serial.plugin.unload", "serial.plugin.template", "serial.spec.template", "serial.spec.register",
		"serial.spec.list", "serial.spec.attach", "serial.spec.get", "serial.spec.read",
		"serial.spec.search", "serial.trace.status", "serial.trace.tail", "serial.metrics",
	} {
		tool, ok := h.table.Lookup(name)
		require.True(t, ok, name)
		assert.True(t, tool.Builtin())
		assert.Equal(t, "object", tool.InputSchema["type"], name)
	}
	open, _ := h.table.Lookup("serial.open")
	assert.Equal(t, []any{"port"}, open.InputSchema["required"])
}

func TestEchoScenario(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	id := h.open(t, "/dev/ttyFAKE0")

	env := h.mustOK(t, "serial.write", map[string]any{"connection_id": id, "data": "ping", "append_newline": true})
	assert.EqualValues(t, 6, env["bytes_written"])

	env = h.mustOK(t, "serial.readline", map[string]any{"connection_id": id, "timeout_ms": 1000})
	assert.Equal(t, "ping\r\n", env["data"])
	assert.Equal(t, true, env["delimiter_found"])
	assert.Equal(t, "text", env["format"])

	h.mustOK(t, "serial.close", map[string]any{"connection_id": id})

	env = h.call(t, "serial.read", map[string]any{"connection_id": id})
	assert.False(t, env.OK())
	assert.Equal(t, "not_found", env.Code())
	assert.True(t, env.CallToolResult().IsError)
}

func TestWriteFormats(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	id := h.open(t, "/dev/ttyFAKE0")

	h.mustOK(t, "serial.write", map[string]any{"connection_id": id, "data": "de ad be ef", "as": "hex"})
	env := h.mustOK(t, "serial.read", map[string]any{"connection_id": id, "nbytes": 4, "timeout_ms": 1000, "as": "hex"})
	assert.Equal(t, "deadbeef", env["data"])

	h.mustOK(t, "serial.write", map[string]any{"connection_id": id, "data": "AQID", "as": "base64"})
	env = h.mustOK(t, "serial.read", map[string]any{"connection_id": id, "nbytes": 3, "timeout_ms": 1000, "as": "base64"})
	assert.Equal(t, "AQID", env["data"])

	env = h.call(t, "serial.write", map[string]any{"connection_id": id, "data": "zz", "as": "hex"})
	assert.Equal(t, "invalid_params", env.Code())

	env = h.call(t, "serial.write", map[string]any{"connection_id": id, "data": "x", "as": "morse"})
	assert.Equal(t, "invalid_params", env.Code(), "enum is enforced")

	h.mustOK(t, "serial.write", map[string]any{"connection_id": id, "data": "é", "encoding": "latin-1", "append_newline": true, "newline": `\n`})
	written := h.opener.Port("/dev/ttyFAKE0").Written()
	assert.Equal(t, []byte{0xe9, '\n'}, written[len(written)-2:])
}

func TestReadUntilAndTimeout(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	id := h.open(t, "/dev/ttyFAKE0")
	port := h.opener.Port("/dev/ttyFAKE0")

	port.Feed([]byte("partial"))
	env := h.call(t, "serial.read_until", map[string]any{"connection_id": id, "delimiter": "> ", "timeout_ms": 50})
	assert.Equal(t, "timeout", env.Code())
	assert.False(t, env.CallToolResult().IsError, "timeouts are not tool errors")

	port.Feed([]byte(" done> rest"))
	env = h.mustOK(t, "serial.read_until", map[string]any{"connection_id": id, "delimiter": "> ", "timeout_ms": 1000})
	assert.Equal(t, "partial done> ", env["data"], "timed out data stays buffered")

	env = h.mustOK(t, "serial.read_until", map[string]any{"connection_id": id, "delimiter": "#", "max_bytes": 2, "timeout_ms": 1000})
	assert.Equal(t, "re", env["data"])
	assert.Equal(t, false, env["delimiter_found"])

	env = h.mustOK(t, "serial.read", map[string]any{"connection_id": id, "timeout_ms": 0})
	assert.Equal(t, "st", env["data"])
	env = h.mustOK(t, "serial.read", map[string]any{"connection_id": id, "timeout_ms": 0})
	assert.EqualValues(t, 0, env["n_read"], "zero bytes is success")
}

func TestControlLinesAndFlush(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	id := h.open(t, "/dev/ttyFAKE0")
	port := h.opener.Port("/dev/ttyFAKE0")

	env := h.mustOK(t, "serial.set_dtr", map[string]any{"connection_id": id, "value": false})
	assert.Equal(t, false, env["dtr"])
	env = h.mustOK(t, "serial.pulse_rts", map[string]any{"connection_id": id, "duration_ms": 5})
	assert.EqualValues(t, 5, env["duration_ms"])

	lines := port.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "dtr", lines[0].Line)
	assert.False(t, lines[1].Value)
	assert.True(t, lines[2].Value)

	port.Feed([]byte("junk"))
	require.Eventually(t, func() bool {
		st := h.mustOK(t, "serial.connection_status", map[string]any{"connection_id": id})
		n, _ := st["buffered_bytes"].(float64)
		return n == 4
	}, time.Second, 10*time.Millisecond)
	env = h.mustOK(t, "serial.flush", map[string]any{"connection_id": id, "what": "input"})
	assert.EqualValues(t, 4, env["cleared_bytes"])

	env = h.call(t, "serial.set_rts", map[string]any{"connection_id": id})
	assert.Equal(t, "invalid_params", env.Code(), "value is required")
}

func TestOpenErrors(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	h.open(t, "/dev/ttyFAKE0")

	env := h.call(t, "serial.open", map[string]any{"port": "/dev/ttyFAKE0"})
	assert.Equal(t, "port_in_use", env.Code())

	env = h.call(t, "serial.open", map[string]any{"port": "/dev/ttyFAKE1", "bytesize": 9})
	assert.Equal(t, "invalid_params", env.Code())

	env = h.call(t, "serial.open", map[string]any{"port": "/dev/ttyFAKE1", "mirror": "sideways"})
	assert.Equal(t, "invalid_params", env.Code())

	h.open(t, "/dev/ttyFAKE1")
	env = h.call(t, "serial.open", map[string]any{"port": "/dev/ttyFAKE2"})
	assert.Equal(t, "capacity_exceeded", env.Code())

	env = h.call(t, "serial.nope", nil)
	assert.Equal(t, "unknown_tool", env.Code())
}

func TestOpenReportsSettings(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	env := h.mustOK(t, "serial.open", map[string]any{
		"port": "/dev/ttyFAKE0", "baudrate": 9600, "parity": "E", "stopbits": 2,
		"timeout_ms": 500, "newline": `\n`, "encoding": "ASCII",
	})
	assert.Equal(t, 9600, h.opener.Mode("/dev/ttyFAKE0").BaudRate)

	cfg, ok := env["config"].(connection.SettingsView)
	require.True(t, ok)
	assert.Equal(t, "E", cfg.Parity)
	assert.Equal(t, 2.0, cfg.Stopbits)
	assert.EqualValues(t, 500, cfg.TimeoutMS)
	assert.Equal(t, "\n", cfg.Newline)
	assert.Equal(t, "ascii", cfg.Encoding)
}

func TestListingAndActivity(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))

	env := h.mustOK(t, "serial.list_ports", nil)
	assert.EqualValues(t, 1, env["count"])

	id := h.open(t, "/dev/ttyFAKE0")
	c, err := h.conns.Get(id)
	require.NoError(t, err)
	before := c.Status().LastActivity

	time.Sleep(5 * time.Millisecond)
	h.mustOK(t, "serial.read", map[string]any{"connection_id": id, "timeout_ms": 0})
	assert.True(t, c.Status().LastActivity.After(before))

	env = h.mustOK(t, "serial.connections.list", nil)
	list, ok := env["connections"].([]connection.Status)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, 2, env["max_connections"])
}

func TestCallsAreTracedAndCounted(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	id := h.open(t, "/dev/ttyFAKE0")
	h.call(t, "serial.write", map[string]any{"connection_id": id, "data": "secret"})
	h.call(t, "serial.read", map[string]any{"connection_id": "s00000000"})

	events := h.tracer.Tail(4)
	require.Len(t, events, 4)
	assert.Equal(t, trace.CallStart, events[0].Event)
	assert.Equal(t, "serial.write", events[0].Tool)
	assert.Equal(t, id, events[0].ConnectionID)
	assert.NotContains(t, events[0].Args, "data")
	assert.Equal(t, trace.CallEnd, events[3].Event)
	require.NotNil(t, events[3].OK)
	assert.False(t, *events[3].OK)
	assert.Equal(t, "not_found", events[3].ErrorCode)

	env := h.mustOK(t, "serial.trace.tail", map[string]any{"n": "2"})
	assert.EqualValues(t, 2, env["count"])
	env = h.mustOK(t, "serial.trace.status", nil)
	assert.Equal(t, true, env["enabled"])

	env = h.mustOK(t, "serial.metrics", nil)
	text, _ := env["text"].(string)
	assert.Contains(t, text, `serial_mcp_tool_calls_total{result="not_found",tool="serial.read"} 1`)
	assert.Contains(t, text, "serial_mcp_open_connections 1")
}

func TestUndecodableArgumentsAreTracedRaw(t *testing.T) {
	tracer, err := trace.New(trace.Options{Capacity: 10, Payloads: true})
	require.NoError(t, err)
	svc := New(dispatch.New(), Deps{Tracer: tracer})
	require.NoError(t, svc.RegisterBuiltins())

	env := svc.Call(t.Context(), "serial.read", json.RawMessage(`["s1"]`))
	assert.Equal(t, "invalid_params", env.Code())

	events := tracer.Tail(2)
	require.Len(t, events, 2)
	assert.Equal(t, `["s1"]`, events[0].Args[trace.RawArgsKey])

	h := newHarness(t, extension.ParsePolicy(""))
	h.svc.Call(t.Context(), "serial.read", json.RawMessage(`"secret"`))
	events = h.tracer.Tail(2)
	require.Len(t, events, 2)
	assert.NotContains(t, events[0].Args, trace.RawArgsKey, "raw arguments are payload")
}

func TestNilCollaborators(t *testing.T) {
	svc := New(dispatch.New(), Deps{})
	require.NoError(t, svc.RegisterBuiltins())

	env := svc.Call(t.Context(), "serial.plugin.list", nil)
	assert.True(t, env.OK())
	assert.Equal(t, false, env["enabled"])

	env = svc.Call(t.Context(), "serial.spec.list", nil)
	assert.Equal(t, "unavailable", env.Code())

	env = svc.Call(t.Context(), "serial.trace.status", nil)
	assert.True(t, env.OK())
	assert.Equal(t, false, env["enabled"])

	env = svc.Call(t.Context(), "serial.read", json.RawMessage(`{"connection_id":"s1"}`))
	assert.Equal(t, "unavailable", env.Code())
}

func TestEnvelopeRendering(t *testing.T) {
	res := okEnvelope(result{"n_read": 0}).CallToolResult()
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text := res.Content[0].(*mcp.TextContent).Text
	assert.JSONEq(t, `{"ok":true,"n_read":0}`, text)

	res = errEnvelope("busy", "extension gps has 1 active calls").CallToolResult()
	assert.True(t, res.IsError)
	assert.JSONEq(t, `{"ok":false,"error":{"code":"busy","message":"extension gps has 1 active calls"}}`,
		res.Content[0].(*mcp.TextContent).Text)
}
