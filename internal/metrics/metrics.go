// Package metrics holds the process counters for connections, extensions and
// tool calls.
//
// Metrics live in a private registry so several servers can run in one
// process (tests) without duplicate registration panics. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics groups the collectors exported by the server.
type Metrics struct {
	registry *prometheus.Registry

	// BytesRead counts bytes received from devices.
	BytesRead prometheus.Counter

	// BytesWritten counts bytes sent to devices. Labels: source (agent|mirror)
	BytesWritten *prometheus.CounterVec

	// ConnectionsOpened counts successful opens.
	ConnectionsOpened prometheus.Counter

	// ConnectionsClosed counts closes. Labels: reason (close|shutdown)
	ConnectionsClosed *prometheus.CounterVec

	// ConnectionFaults counts readers that gave up after repeated device errors.
	ConnectionFaults prometheus.Counter

	// OpenConnections is the number of live connections.
	OpenConnections prometheus.Gauge

	// ExtensionLoads counts extension load attempts. Labels: result (error kind or ok)
	ExtensionLoads *prometheus.CounterVec

	// ToolCalls counts tool invocations. Labels: tool, result
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool handler latency in seconds. Labels: tool
	ToolDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_mcp_bytes_read_total",
			Help: "Bytes received from serial devices",
		}),
		BytesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_mcp_bytes_written_total",
			Help: "Bytes written to serial devices by source",
		}, []string{"source"}),
		ConnectionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_mcp_connections_opened_total",
			Help: "Serial connections opened",
		}),
		ConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_mcp_connections_closed_total",
			Help: "Serial connections closed by reason",
		}, []string{"reason"}),
		ConnectionFaults: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_mcp_connection_faults_total",
			Help: "Connections marked faulted by their reader",
		}),
		OpenConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "serial_mcp_open_connections",
			Help: "Currently open serial connections",
		}),
		ExtensionLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_mcp_extension_loads_total",
			Help: "Extension load attempts by result",
		}, []string{"result"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_mcp_tool_calls_total",
			Help: "Tool calls by tool and result",
		}, []string{"tool", "result"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serial_mcp_tool_duration_seconds",
			Help:    "Tool handler duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"tool"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AddBytesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRead.Add(float64(n))
}

func (m *Metrics) AddBytesWritten(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
	m.OpenConnections.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
	m.OpenConnections.Dec()
}

func (m *Metrics) ConnectionFaulted() {
	if m == nil {
		return
	}
	m.ConnectionFaults.Inc()
}

func (m *Metrics) ExtensionLoad(result string) {
	if m == nil {
		return
	}
	m.ExtensionLoads.WithLabelValues(result).Inc()
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Text renders every metric in the Prometheus text exposition format.
func (m *Metrics) Text() (string, error) {
	if m == nil {
		return "", nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
