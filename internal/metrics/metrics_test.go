package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLifecycleCounters(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed("close")

	expected := `
		# HELP serial_mcp_open_connections Currently open serial connections
		# TYPE serial_mcp_open_connections gauge
		serial_mcp_open_connections 1
	`
	if err := testutil.CollectAndCompare(m.OpenConnections, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("close")))
}

func TestToolCalls(t *testing.T) {
	m := New()
	m.ToolCall("serial.open", "ok", 5*time.Millisecond)
	m.ToolCall("serial.open", "port_in_use", time.Millisecond)
	m.ToolCall("serial.read", "ok", time.Millisecond)

	if count := testutil.CollectAndCount(m.ToolCalls); count != 3 {
		t.Errorf("Expected 3 label combinations, got %d", count)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("serial.open", "port_in_use")))
}

func TestBytesIgnoresNonPositive(t *testing.T) {
	m := New()
	m.AddBytesRead(0)
	m.AddBytesRead(-1)
	m.AddBytesRead(7)
	m.AddBytesWritten("agent", 3)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("agent")))
}

func TestText(t *testing.T) {
	m := New()
	m.AddBytesRead(12)

	text, err := m.Text()
	require.NoError(t, err)
	assert.Contains(t, text, "serial_mcp_bytes_read_total 12")
	assert.Contains(t, text, "# TYPE serial_mcp_open_connections gauge")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.AddBytesRead(1)
	m.ConnectionOpened()
	m.ToolCall("x", "ok", 0)
	text, err := m.Text()
	require.NoError(t, err)
	assert.Empty(t, text)
}
