package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/serial-mcp/internal/extension"
	"github.com/standardbeagle/serial-mcp/internal/specs"
)

const gpsSpec = `---
kind: serial-protocol
name: Acme GPS
baudrate: 9600
---
# Acme GPS

## Commands

PING returns PONG.
STATUS returns the fix quality.
`

func TestSpecTools(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	path := filepath.Join(h.proj.Path, "acme.md")
	require.NoError(t, os.WriteFile(path, []byte(gpsSpec), 0o600))

	env := h.mustOK(t, "serial.spec.register", map[string]any{"path": "acme.md"})
	specID, _ := env["spec_id"].(string)
	require.Equal(t, specs.SpecID(path), specID)
	assert.Equal(t, "Acme GPS", env["name"])

	env = h.mustOK(t, "serial.spec.list", nil)
	assert.EqualValues(t, 1, env["count"])

	id := h.open(t, "/dev/ttyFAKE0")
	env = h.mustOK(t, "serial.spec.get", map[string]any{"connection_id": id})
	assert.Nil(t, env["spec"])

	env = h.mustOK(t, "serial.spec.attach", map[string]any{"connection_id": id, "spec_id": specID})
	assert.Equal(t, "Acme GPS", env["name"])

	env = h.mustOK(t, "serial.spec.get", map[string]any{"connection_id": id})
	spec, ok := env["spec"].(result)
	require.True(t, ok, "spec is %T", env["spec"])
	assert.Equal(t, specID, spec["spec_id"])
	assert.Equal(t, path, spec["path"])
	meta, _ := spec["meta"].(map[string]any)
	assert.Equal(t, "Acme GPS", meta["name"])

	env = h.mustOK(t, "serial.spec.read", map[string]any{"spec_id": specID})
	assert.Contains(t, env["body"], "PING returns PONG.")

	env = h.mustOK(t, "serial.spec.search", map[string]any{"spec_id": specID, "query": "returns ping", "k": "1"})
	assert.EqualValues(t, 1, env["count"])
	hits, _ := env["results"].([]specs.Hit)
	require.Len(t, hits, 1)
	assert.Equal(t, "PING returns PONG.", hits[0].Text)
	assert.Equal(t, 2, hits[0].Score)
}

func TestSpecToolErrors(t *testing.T) {
	h := newHarness(t, extension.ParsePolicy(""))
	require.NoError(t, os.WriteFile(filepath.Join(h.proj.Path, "bad.md"), []byte("# no front matter\n"), 0o600))

	env := h.call(t, "serial.spec.register", map[string]any{"path": "bad.md"})
	assert.Equal(t, "invalid_params", env.Code())

	env = h.call(t, "serial.spec.register", map[string]any{"path": "/etc/passwd"})
	assert.Equal(t, "outside_sandbox", env.Code())

	env = h.call(t, "serial.spec.read", map[string]any{"spec_id": "nope"})
	assert.Equal(t, "not_found", env.Code())

	env = h.call(t, "serial.spec.attach", map[string]any{"connection_id": "missing", "spec_id": "nope"})
	assert.Equal(t, "not_found", env.Code())

	env = h.call(t, "serial.spec.search", map[string]any{"spec_id": "x", "query": "a", "k": "lots"})
	assert.Equal(t, "invalid_params", env.Code())
}
