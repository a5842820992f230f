package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/serial-mcp/internal/config"
	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/extension"
	"github.com/standardbeagle/serial-mcp/internal/metrics"
	"github.com/standardbeagle/serial-mcp/internal/mirror"
	"github.com/standardbeagle/serial-mcp/internal/project"
	"github.com/standardbeagle/serial-mcp/internal/specs"
	"github.com/standardbeagle/serial-mcp/internal/tools"
	"github.com/standardbeagle/serial-mcp/internal/trace"
)

const instructions = `Serial port bridge for talking to devices over UART/USB serial.

Typical flow:
- serial.list_ports to find the device, then serial.open to get a connection_id
- serial.write / serial.readline / serial.read_until to talk to it
- serial.close when done; serial.connections.list recovers ids after context loss

Every tool returns a JSON envelope: {"ok":true,...} or {"ok":false,"error":{"code","message"}}.
A timeout is not a failure: nothing arrived in time, retry or adjust timeout_ms.

Device specs (serial.spec.*) hold protocol notes per project. Plugins (serial.plugin.*) add
device tools at runtime when SERIAL_MCP_PLUGINS allows them.`

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as MCP server on stdio",
	Long: `Run as an MCP (Model Context Protocol) server over stdin/stdout.

This is the default when stdin is not a terminal, which is how MCP clients
start the server.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Bool("watch-extensions", false, "Reload loaded plugins when their files change (SERIAL_MCP_PLUGINS_WATCH)")
	f.String("plugins", "", `Plugin policy: "all" or "name1,name2" (SERIAL_MCP_PLUGINS)`)
	f.Int("max-connections", connection.DefaultMaxConnections, "Maximum open connections (SERIAL_MCP_MAX_CONNECTIONS)")
	f.String("mirror", "", "Default PTY mirror mode: off, ro or rw (SERIAL_MCP_MIRROR)")
	f.Bool("no-trace", false, "Disable the trace file (SERIAL_MCP_TRACE=0)")
}

// server is everything serve wires together.
type server struct {
	cfg     *config.Config
	logger  *slog.Logger
	proj    *project.Project
	conns   *connection.Registry
	exts    *extension.Registry
	tracer  *trace.Tracer
	watcher *extension.Watcher
	svc     *tools.Service
	mcp     *mcp.Server
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	srv, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.shutdown()

	logger.Info("starting", "version", appVersion, "project", srv.proj.Path, "state_dir", srv.proj.Root,
		"plugins", cfg.Policy().String(), "mirror", cfg.Mirror)

	if err := srv.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("client disconnected, shutting down")
	return nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	proj, err := detectProject(cfg)
	if err != nil {
		return nil, fmt.Errorf("detect project: %w", err)
	}
	mode, err := cfg.MirrorMode()
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	s := &server{cfg: cfg, logger: logger, proj: proj}
	s.conns = connection.NewRegistry(connection.Options{
		MaxConnections: cfg.MaxConnections,
		BufferLimit:    cfg.BufferLimit,
		Grace:          cfg.Grace,
		Mirrors:        mirror.NewFactory(logger),
		MirrorMode:     mode,
		MirrorLinkBase: cfg.MirrorLink,
		Logger:         logger,
		Metrics:        m,
	})

	traceOpts := trace.Options{
		Payloads:   cfg.TracePayloads,
		MaxPayload: cfg.TraceMaxBytes,
		Logger:     logger,
	}
	if cfg.Trace {
		traceOpts.Path = proj.TraceFile()
	}
	s.tracer, err = trace.New(traceOpts)
	if err != nil {
		// Tracing is diagnostics; run without the file rather than refuse to start.
		logger.Warn("trace file unavailable", "path", traceOpts.Path, "error", err)
		traceOpts.Path = ""
		s.tracer, _ = trace.New(traceOpts)
	}

	table := dispatch.New()
	policy := cfg.Policy()
	if policy.Enabled() {
		if err := os.MkdirAll(proj.PluginsDir(), 0o755); err != nil {
			logger.Warn("cannot create plugins directory", "path", proj.PluginsDir(), "error", err)
		}
	}
	s.exts, err = extension.NewRegistry(extension.Options{
		Dir:     proj.PluginsDir(),
		Policy:  policy,
		Table:   table,
		Host:    extension.NewHost(s.conns, logger),
		Loaders: []extension.Loader{extension.ManifestLoader{}, extension.NewGoPluginLoader(proj.CacheDir())},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	s.svc = tools.New(table, tools.Deps{
		Connections: s.conns,
		Extensions:  s.exts,
		Specs:       specs.NewStore(proj, logger),
		Tracer:      s.tracer,
		Metrics:     m,
		Logger:      logger,
	})
	if err := s.svc.RegisterBuiltins(); err != nil {
		return nil, err
	}

	loaded, err := s.exts.LoadAll(ctx)
	if err != nil {
		logger.Warn("some plugins failed to load", "error", err)
	}
	if len(loaded) > 0 {
		logger.Info("plugins loaded", "count", len(loaded))
	}

	if policy.Enabled() && cfg.PluginsWatch {
		s.startWatcher(ctx)
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: appName, Version: appVersion},
		&mcp.ServerOptions{HasTools: true, Instructions: instructions},
	)
	s.svc.Attach(s.mcp)
	return s, nil
}

func (s *server) startWatcher(ctx context.Context) {
	w, err := extension.NewWatcher(s.exts, 0)
	if err != nil {
		s.logger.Warn("plugin watcher unavailable", "error", err)
		return
	}
	w.OnReload = func(name string, err error) {
		if err != nil {
			s.logger.Warn("plugin reload failed", "extension", name, "error", err)
			return
		}
		s.logger.Info("plugin reloaded", "extension", name)
	}
	if err := w.Start(ctx); err != nil {
		s.logger.Warn("plugin watcher unavailable", "error", err)
		_ = w.Close()
		return
	}
	s.watcher = w
}

// shutdown closes connections within the grace period and releases the
// watcher and trace file.
func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Grace+time.Second)
	defer cancel()

	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	errs = append(errs, s.conns.Shutdown(ctx), s.tracer.Close())
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("shutdown incomplete", "error", err)
		return
	}
	s.logger.Info("shutdown complete")
}
