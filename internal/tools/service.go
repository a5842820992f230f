// Package tools implements the MCP tool surface: the built-in serial, plugin,
// spec, trace and metrics tools, the result envelope, and the bridge that
// keeps an mcp.Server in step with the dispatch table.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/extension"
	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/metrics"
	"github.com/standardbeagle/serial-mcp/internal/serialio"
	"github.com/standardbeagle/serial-mcp/internal/specs"
	"github.com/standardbeagle/serial-mcp/internal/trace"
)

// Deps are the collaborators the built-in tools act on. Extensions, Specs,
// Tracer and Metrics may be nil; their tools then report the feature as
// unavailable or disabled.
type Deps struct {
	Connections *connection.Registry
	Extensions  *extension.Registry
	Specs       *specs.Store
	Tracer      *trace.Tracer
	Metrics     *metrics.Metrics
	// ListPorts enumerates devices. Defaults to serialio.ListPorts.
	ListPorts func() ([]serialio.PortInfo, error)
	Logger    *slog.Logger
}

// Service routes tool calls through the dispatch table.
type Service struct {
	table  *dispatch.Table
	deps   Deps
	logger *slog.Logger

	// bridged is set once an mcp.Server mirrors the table, so table changes
	// reach the client as tools/list_changed.
	bridged atomic.Bool
}

// New returns a service over table. Call RegisterBuiltins before serving.
func New(table *dispatch.Table, deps Deps) *Service {
	if deps.ListPorts == nil {
		deps.ListPorts = serialio.ListPorts
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		table:  table,
		deps:   deps,
		logger: deps.Logger.With("component", "tools"),
	}
}

// Table returns the dispatch table the service routes through.
func (s *Service) Table() *dispatch.Table { return s.table }

// RegisterBuiltins adds every built-in tool in one transaction.
func (s *Service) RegisterBuiltins() error {
	var all []*dispatch.Tool
	all = append(all, s.serialTools()...)
	all = append(all, s.pluginTools()...)
	all = append(all, s.specTools()...)
	all = append(all, s.observabilityTools()...)
	if err := s.table.Register(all...); err != nil {
		return fmt.Errorf("register built-in tools: %w", err)
	}
	return nil
}

// Call runs the tool named name with raw JSON arguments and returns its
// envelope. Every call is traced and counted; a successful call naming a
// connection refreshes that connection's last-activity time.
func (s *Service) Call(ctx context.Context, name string, raw json.RawMessage) Envelope {
	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			args = map[string]any{trace.RawArgsKey: string(raw)}
		}
	}
	connID, _ := args["connection_id"].(string)

	end := s.deps.Tracer.Begin(name, connID, args)
	start := time.Now()

	env := s.invoke(ctx, name, raw)

	code := env.Code()
	if env.OK() {
		if connID != "" && s.deps.Connections != nil {
			if c, err := s.deps.Connections.Get(connID); err == nil {
				c.Touch()
			}
		}
	}
	label := code
	if label == "" {
		label = "ok"
	}
	s.deps.Metrics.ToolCall(name, label, time.Since(start))
	end(env.OK(), code)
	return env
}

func (s *Service) invoke(ctx context.Context, name string, raw json.RawMessage) (env Envelope) {
	tool, ok := s.table.Lookup(name)
	if !ok {
		return errEnvelope(fault.UnknownTool, "no tool named "+name)
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("tool panicked", "tool", name, "panic", p)
			env = errEnvelope(fault.Internal, fmt.Sprintf("internal error in %s; check server logs", name))
		}
	}()

	out, err := tool.Handler(ctx, raw)
	if err != nil {
		kind := errorKind(err)
		if kind == fault.Internal {
			s.logger.Error("tool failed", "tool", name, "owner", tool.Owner, "error", err)
		} else {
			s.logger.Debug("tool returned error", "tool", name, "code", kind, "error", err)
		}
		return errEnvelope(kind, err.Error())
	}
	return okEnvelope(out)
}

// notified reports whether table changes are announced to the client.
func (s *Service) notified() bool { return s.bridged.Load() }
