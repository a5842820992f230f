package tools

import (
	"context"
	"fmt"

	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/trace"
)

// TailInput defines input for serial.trace.tail.
type TailInput struct {
	N count `json:"n,omitempty" jsonschema:"Number of recent events to return (default 50)"`
}

func (s *Service) observabilityTools() []*dispatch.Tool {
	return []*dispatch.Tool{
		define("serial.connections.list", `List all open serial connections with their state, port, configuration, buffered bytes, mirror and timestamps.
Useful for recovering connection ids after context loss.`, s.connectionsList),
		define("serial.trace.status", "Return the tracing configuration and event count.", s.traceStatus),
		define("serial.trace.tail", "Return the last N trace events (default 50).", s.traceTail, numberOrString("n")),
		define("serial.metrics", "Return server counters (bytes, connections, plugin loads, tool calls) in Prometheus text format.", s.metricsText),
	}
}

func (s *Service) connectionsList(ctx context.Context, _ NoInput) (result, error) {
	if s.deps.Connections == nil {
		return result{"connections": []any{}, "count": 0}, nil
	}
	list := s.deps.Connections.List()
	return result{
		"message":         fmt.Sprintf("%d connection(s).", len(list)),
		"connections":     list,
		"count":           len(list),
		"max_connections": s.deps.Connections.MaxConnections(),
	}, nil
}

func (s *Service) traceStatus(ctx context.Context, _ NoInput) (result, error) {
	return flatten(result{}, s.deps.Tracer.Status()), nil
}

func (s *Service) traceTail(ctx context.Context, in TailInput) (result, error) {
	if s.deps.Tracer == nil {
		return result{"enabled": false, "events": []trace.Event{}}, nil
	}
	events := s.deps.Tracer.Tail(int(in.N))
	return result{"enabled": true, "events": events, "count": len(events)}, nil
}

func (s *Service) metricsText(ctx context.Context, _ NoInput) (result, error) {
	if s.deps.Metrics == nil {
		return result{"enabled": false}, nil
	}
	text, err := s.deps.Metrics.Text()
	if err != nil {
		return nil, err
	}
	return result{"enabled": true, "format": "prometheus", "text": text}, nil
}
