// Package trace records tool calls as JSON lines, in memory and in a file.
package trace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultCapacity is the number of events kept in memory.
	DefaultCapacity = 2000
	// DefaultMaxPayload caps logged payload strings.
	DefaultMaxPayload = 16384
	// DefaultTail is how many events Tail returns when asked for none.
	DefaultTail = 50
)

// Event kinds.
const (
	CallStart = "tool_call_start"
	CallEnd   = "tool_call_end"
)

// RawArgsKey holds call arguments that did not decode as a JSON object.
const RawArgsKey = "raw_arguments"

// payloadKeys hold device data and are dropped unless payloads are enabled.
var payloadKeys = map[string]bool{"data": true, RawArgsKey: true}

// Event is one trace record.
type Event struct {
	TS           time.Time      `json:"ts"`
	Event        string         `json:"event"`
	Tool         string         `json:"tool"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	OK           *bool          `json:"ok,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	DurationMS   float64        `json:"duration_ms,omitempty"`
}

// Options configures a Tracer.
type Options struct {
	// Path is the JSONL file. Empty keeps events in memory only.
	Path       string
	Capacity   int
	Payloads   bool
	MaxPayload int
	Logger     *slog.Logger
}

// Status describes the tracer for introspection.
type Status struct {
	Enabled         bool   `json:"enabled"`
	EventCount      int    `json:"event_count"`
	FilePath        string `json:"file_path,omitempty"`
	PayloadsLogged  bool   `json:"payloads_logged"`
	MaxPayloadBytes int    `json:"max_payload_bytes"`
}

// Tracer is a ring buffer of events with an optional file sink. A nil
// *Tracer is valid and records nothing.
type Tracer struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	ring  []Event
	next  int
	count int
	file  *os.File
}

// New builds a tracer, creating the file's directory when a path is set.
func New(opts Options) (*Tracer, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tracer{
		opts:   opts,
		logger: opts.Logger.With("component", "trace"),
		ring:   make([]Event, opts.Capacity),
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
		f, err := openAppend(opts.Path)
		if err != nil {
			return nil, err
		}
		t.file = f
	}
	return t, nil
}

// Sanitize returns a copy of args safe to log: payload values are removed,
// or truncated when payloads are enabled.
func (t *Tracer) Sanitize(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if !payloadKeys[k] {
			out[k] = v
			continue
		}
		if !t.opts.Payloads {
			continue
		}
		if s, ok := v.(string); ok && len(s) > t.opts.MaxPayload {
			v = truncate(s, t.opts.MaxPayload) + "…"
		}
		out[k] = v
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Emit records ev, stamping the time.
func (t *Tracer) Emit(ev Event) {
	if t == nil {
		return
	}
	ev.TS = time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = ev
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	if t.file == nil {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		t.logger.Warn("encode trace event", "error", err)
		return
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		t.logger.Warn("write trace event", "path", t.opts.Path, "error", err)
	}
}

// Begin emits a start event and returns a function that emits the matching
// end event.
func (t *Tracer) Begin(tool, connectionID string, args map[string]any) func(ok bool, code string) {
	if t == nil {
		return func(bool, string) {}
	}
	start := time.Now()
	t.Emit(Event{Event: CallStart, Tool: tool, ConnectionID: connectionID, Args: t.Sanitize(args)})
	return func(ok bool, code string) {
		t.Emit(Event{
			Event:        CallEnd,
			Tool:         tool,
			ConnectionID: connectionID,
			OK:           &ok,
			ErrorCode:    code,
			DurationMS:   float64(time.Since(start).Microseconds()) / 1000,
		})
	}
}

// Tail returns up to the last n events, oldest first.
func (t *Tracer) Tail(n int) []Event {
	if t == nil {
		return nil
	}
	if n <= 0 {
		n = DefaultTail
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n = min(n, t.count)
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (t.next - n + i + len(t.ring)) % len(t.ring)
		out[i] = t.ring[idx]
	}
	return out
}

// Status reports the tracer configuration and event count.
func (t *Tracer) Status() Status {
	if t == nil {
		return Status{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Enabled:         true,
		EventCount:      t.count,
		FilePath:        t.opts.Path,
		PayloadsLogged:  t.opts.Payloads,
		MaxPayloadBytes: t.opts.MaxPayload,
	}
}

// Close closes the file sink.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
