package extension

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/metrics"
	"github.com/standardbeagle/serial-mcp/internal/serialio/serialtest"
	"github.com/standardbeagle/serial-mcp/pkg/extsdk"
)

const gpsManifest = `
meta:
  description: GPS receiver
  device_name_contains: u-blox
tools:
  - name: gps.version
    description: Query the firmware version
    input_schema:
      type: object
      properties:
        connection_id: {type: string}
        cmd: {type: string}
      required: [connection_id]
handlers:
  gps.version:
    - write: "AT+{{.cmd}}"
      append_newline: true
    - read_line: true
      timeout_ms: 1000
    - expect: '^OK (?P<value>\d+)$'
`

func manifestWithTools(names ...string) string {
	s := "tools:\n"
	for _, n := range names {
		s += "  - name: " + n + "\n    description: test\n"
	}
	s += "handlers:\n"
	for _, n := range names {
		s += "  " + n + ":\n    - sleep_ms: 1\n"
	}
	return s
}

type harness struct {
	dir     string
	table   *dispatch.Table
	opener  *serialtest.Opener
	conns   *connection.Registry
	reg     *Registry
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, policy Policy, loaders ...Loader) *harness {
	t.Helper()
	h := &harness{
		dir:     t.TempDir(),
		table:   dispatch.New(),
		opener:  &serialtest.Opener{},
		metrics: metrics.New(),
	}
	require.NoError(t, h.table.Register(&dispatch.Tool{
		Name:    "serial.open",
		Handler: func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}))
	h.conns = connection.NewRegistry(connection.Options{Opener: h.opener, Grace: time.Second})
	t.Cleanup(func() { _ = h.conns.Shutdown(context.Background()) })

	if len(loaders) == 0 {
		loaders = []Loader{ManifestLoader{}}
	}
	reg, err := NewRegistry(Options{
		Dir:     h.dir,
		Policy:  policy,
		Table:   h.table,
		Host:    NewHost(h.conns, nil),
		Loaders: loaders,
		Grace:   50 * time.Millisecond,
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	h.reg = reg
	return h
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o700))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func (h *harness) call(t *testing.T, tool string, args map[string]any) (any, error) {
	t.Helper()
	tl, ok := h.table.Lookup(tool)
	require.True(t, ok, "tool %s registered", tool)
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return tl.Handler(context.Background(), raw)
}

func TestAllowListScenario(t *testing.T) {
	h := newHarness(t, ParsePolicy("gps"))
	h.write(t, "gps.yaml", gpsManifest)
	h.write(t, "sensor.yaml", manifestWithTools("sensor.read"))

	_, err := h.reg.Load(t.Context(), "sensor.yaml")
	assert.ErrorIs(t, err, fault.ErrPolicyNotAllowed)

	info, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)
	assert.Equal(t, "gps", info.Name)
	assert.Equal(t, KindManifest, info.Kind)
	assert.Equal(t, []string{"gps.version"}, info.Tools)

	list := h.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "gps", list[0].Name)
	assert.Equal(t, "u-blox", list[0].Meta["device_name_contains"])
	assert.ElementsMatch(t, []string{"serial.open", "gps.version"}, h.table.Names())
}

func TestPolicyIsCheckedBeforeTheFilesystem(t *testing.T) {
	h := newHarness(t, ParsePolicy(""))
	_, err := h.reg.Load(t.Context(), "does-not-exist.yaml")
	assert.ErrorIs(t, err, fault.ErrPolicyDisabled)

	h = newHarness(t, ParsePolicy("gps"))
	_, err = h.reg.Load(t.Context(), "../../etc/passwd")
	assert.ErrorIs(t, err, fault.ErrPolicyNotAllowed)
}

func TestLoadOutsideSandboxRegistersNothing(t *testing.T) {
	h := newHarness(t, AllowAll())
	outside := t.TempDir()
	target := filepath.Join(outside, "evil.yaml")
	require.NoError(t, os.WriteFile(target, []byte(manifestWithTools("evil.run")), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(h.dir, "evil.yaml")))

	for _, p := range []string{"evil.yaml", target, "../" + filepath.Base(outside) + "/evil.yaml"} {
		_, err := h.reg.Load(t.Context(), p)
		assert.ErrorIs(t, err, fault.ErrOutsideSandbox, p)
	}
	assert.Equal(t, []string{"serial.open"}, h.table.Names())
	assert.Empty(t, h.reg.List())
}

func TestSymlinkCannotLaunderAName(t *testing.T) {
	h := newHarness(t, ParsePolicy("gps"))
	target := h.write(t, "sensor.yaml", manifestWithTools("sensor.read"))
	require.NoError(t, os.Symlink(target, filepath.Join(h.dir, "gps.yaml")))

	_, err := h.reg.Load(t.Context(), "gps.yaml")
	assert.ErrorIs(t, err, fault.ErrPolicyNotAllowed)
}

func TestContractViolations(t *testing.T) {
	h := newHarness(t, AllowAll())
	tests := map[string]string{
		"empty":    "meta: {}\n",
		"missing":  "tools:\n  - name: a.one\n  - name: a.two\nhandlers:\n  a.one:\n    - sleep_ms: 1\n",
		"extra":    "tools:\n  - name: a.one\nhandlers:\n  a.one:\n    - sleep_ms: 1\n  a.two:\n    - sleep_ms: 1\n",
		"dupe":     "tools:\n  - name: a.one\n  - name: a.one\nhandlers:\n  a.one:\n    - sleep_ms: 1\n",
		"twoact":   "tools:\n  - name: a.one\nhandlers:\n  a.one:\n    - sleep_ms: 1\n      read_line: true\n",
		"badregex": "tools:\n  - name: a.one\nhandlers:\n  a.one:\n    - expect: '('\n",
		"schema":   "tools:\n  - name: a.one\n    input_schema: {type: 12}\nhandlers:\n  a.one:\n    - sleep_ms: 1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			h.write(t, name+".yaml", content)
			_, err := h.reg.Load(t.Context(), name+".yaml")
			assert.ErrorIs(t, err, fault.ErrInvalidContract)
			assert.Equal(t, []string{"serial.open"}, h.table.Names())
		})
	}

	h.write(t, "broken.yaml", "tools: [")
	_, err := h.reg.Load(t.Context(), "broken.yaml")
	assert.ErrorIs(t, err, fault.ErrImportFailure)
}

func TestCollisionLeavesTableUnchanged(t *testing.T) {
	h := newHarness(t, AllowAll())
	h.write(t, "gps.yaml", gpsManifest)
	_, err := h.reg.Load(t.Context(), "gps")
	require.NoError(t, err)
	before := h.table.Names()

	h.write(t, "clash.yaml", manifestWithTools("clash.fresh", "serial.open"))
	_, err = h.reg.Load(t.Context(), "clash.yaml")
	assert.ErrorIs(t, err, fault.ErrNameCollision)

	h.write(t, "thief.yaml", manifestWithTools("thief.fresh", "gps.version"))
	_, err = h.reg.Load(t.Context(), "thief.yaml")
	assert.ErrorIs(t, err, fault.ErrNameCollision)
	assert.Contains(t, err.Error(), "gps")

	assert.Equal(t, before, h.table.Names())
	assert.Len(t, h.reg.List(), 1)
}

func TestFailedReloadEndsUnloaded(t *testing.T) {
	h := newHarness(t, AllowAll())
	h.write(t, "gps.yaml", gpsManifest)
	_, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)

	h.write(t, "gps.yaml", manifestWithTools("gps.fresh", "serial.open"))
	_, err = h.reg.Reload(t.Context(), "gps")
	assert.ErrorIs(t, err, fault.ErrNameCollision)

	assert.Empty(t, h.reg.List())
	assert.Equal(t, []string{"serial.open"}, h.table.Names())
	assert.False(t, h.reg.Loaded("gps"))

	// The last known path survives, so a fixed file reloads.
	h.write(t, "gps.yaml", manifestWithTools("gps.fresh"))
	info, err := h.reg.Reload(t.Context(), "gps")
	require.NoError(t, err)
	assert.Equal(t, []string{"gps.fresh"}, info.Tools)
}

func TestLoadingALoadedNameReplacesItsTools(t *testing.T) {
	h := newHarness(t, AllowAll())
	h.write(t, "gps.yaml", manifestWithTools("gps.a", "gps.b"))
	first, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)

	h.write(t, "gps.yaml", manifestWithTools("gps.b", "gps.c"))
	second, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)

	assert.NotEqual(t, first.ModuleKey, second.ModuleKey)
	assert.ElementsMatch(t, []string{"serial.open", "gps.b", "gps.c"}, h.table.Names())
	assert.Len(t, h.reg.List(), 1)
}

func TestReloadAndUnloadUnknown(t *testing.T) {
	h := newHarness(t, AllowAll())
	_, err := h.reg.Reload(t.Context(), "ghost")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.ErrorIs(t, h.reg.Unload("ghost"), fault.ErrNotFound)
}

func TestUnloadRestoresTable(t *testing.T) {
	h := newHarness(t, AllowAll())
	before := h.table.Names()
	h.write(t, "gps.yaml", gpsManifest)
	_, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)

	var changes []dispatch.Change
	h.table.OnChange(func(c dispatch.Change) { changes = append(changes, c) })
	require.NoError(t, h.reg.Unload("gps"))

	assert.Equal(t, before, h.table.Names())
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"gps.version"}, changes[0].Removed)
	assert.ErrorIs(t, h.reg.Unload("gps"), fault.ErrNotFound)
}

func TestScriptDrivesTheDevice(t *testing.T) {
	h := newHarness(t, AllowAll())
	h.write(t, "gps.yaml", gpsManifest)
	_, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)

	c, err := h.conns.Open(t.Context(), connection.DefaultSettings("GPS0"))
	require.NoError(t, err)
	h.opener.Port("GPS0").Feed([]byte("OK 42\r\n"))

	out, err := h.call(t, "gps.version", map[string]any{"connection_id": c.ID(), "cmd": "VER"})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "OK 42", result["response"])
	assert.Equal(t, "42", result["value"])
	assert.Equal(t, "AT+VER\r\n", string(h.opener.Port("GPS0").Written()))

	// No reply: the expect step fails with a device error.
	_, err = h.call(t, "gps.version", map[string]any{"connection_id": c.ID(), "cmd": "VER"})
	assert.Error(t, err)

	_, err = h.call(t, "gps.version", map[string]any{"connection_id": "nope", "cmd": "VER"})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestArgumentsAreValidated(t *testing.T) {
	h := newHarness(t, AllowAll())
	h.write(t, "gps.yaml", gpsManifest)
	_, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)

	_, err = h.call(t, "gps.version", map[string]any{"cmd": "VER"})
	assert.ErrorIs(t, err, fault.ErrInvalidParams)
	_, err = h.call(t, "gps.version", map[string]any{"connection_id": 7})
	assert.ErrorIs(t, err, fault.ErrInvalidParams)
}

// staticLoader serves in-memory extensions for files whose base name it
// knows.
type staticLoader map[string]extsdk.Extension

func (l staticLoader) Kind() string { return "static" }

func (l staticLoader) Accepts(p string) bool { _, ok := l[filepath.Base(p)]; return ok }

func (l staticLoader) Load(ctx context.Context, p string) (*Extension, error) {
	ext := l[filepath.Base(p)]
	return &Extension{
		Name:      filepath.Base(p),
		Path:      p,
		ModuleKey: ModuleKey(filepath.Base(p), p, nil),
		Kind:      "static",
		Tools:     ext.Tools(),
		Handlers:  ext.Handlers(),
		LoadedAt:  time.Now(),
	}, nil
}

func TestUnloadWaitsForActiveCalls(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	loader := staticLoader{"slow": extsdk.Static{
		ToolDefs: []extsdk.ToolDef{{Name: "slow.wait"}},
		HandlerMap: map[string]extsdk.Handler{
			"slow.wait": func(ctx context.Context, host extsdk.Host, args map[string]any) (map[string]any, error) {
				once.Do(func() { close(started) })
				<-release
				return map[string]any{"done": true}, nil
			},
		},
	}}
	h := newHarness(t, AllowAll(), loader)
	h.write(t, "slow", "")
	_, err := h.reg.Load(t.Context(), "slow")
	require.NoError(t, err)

	tool, ok := h.table.Lookup("slow.wait")
	require.True(t, ok)
	done := make(chan error, 1)
	go func() {
		_, err := tool.Handler(context.Background(), nil)
		done <- err
	}()
	<-started
	assert.Equal(t, 1, h.reg.List()[0].ActiveCalls)

	err = h.reg.Unload("slow")
	assert.ErrorIs(t, err, fault.ErrBusy)
	_, ok = h.table.Lookup("slow.wait")
	assert.True(t, ok, "busy unload keeps the tools")

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, h.reg.Unload("slow"))
	_, ok = h.table.Lookup("slow.wait")
	assert.False(t, ok)
}

func TestLoadAllSkipsDisallowedAndJoinsErrors(t *testing.T) {
	h := newHarness(t, ParsePolicy("gps,broken"))
	h.write(t, "gps.yaml", gpsManifest)
	h.write(t, "broken.yaml", "tools: [")
	h.write(t, "sensor.yaml", manifestWithTools("sensor.read"))
	h.write(t, ".hidden.yaml", manifestWithTools("hidden.read"))

	infos, err := h.reg.LoadAll(t.Context())
	require.Len(t, infos, 1)
	assert.Equal(t, "gps", infos[0].Name)
	assert.ErrorIs(t, err, fault.ErrImportFailure)
	assert.ElementsMatch(t, []string{"serial.open", "gps.version"}, h.table.Names())
}

func TestWatcherReloadsChangedExtensions(t *testing.T) {
	h := newHarness(t, AllowAll())
	h.write(t, "gps.yaml", manifestWithTools("gps.a"))
	h.write(t, "other.yaml", manifestWithTools("other.a"))
	_, err := h.reg.Load(t.Context(), "gps.yaml")
	require.NoError(t, err)

	w, err := NewWatcher(h.reg, 20*time.Millisecond)
	require.NoError(t, err)
	reloaded := make(chan string, 8)
	w.OnReload = func(name string, err error) {
		if err == nil {
			reloaded <- name
		}
	}
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(func() { _ = w.Close() })

	h.write(t, "gps.yaml", manifestWithTools("gps.b"))
	select {
	case name := <-reloaded:
		assert.Equal(t, "gps", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	require.Eventually(t, func() bool {
		_, ok := h.table.Lookup("gps.b")
		return ok
	}, time.Second, 10*time.Millisecond)

	// Touching an extension that is not loaded never loads it.
	h.write(t, "other.yaml", manifestWithTools("other.b"))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, h.reg.Loaded("other"))
}
