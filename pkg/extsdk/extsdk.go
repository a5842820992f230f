// Package extsdk is the contract between serial-mcp and extensions.
//
// A compiled extension is a Go plugin (built with -buildmode=plugin) that
// exports a variable named SerialExtension implementing Extension:
//
//	var SerialExtension extsdk.Extension = extsdk.Static{
//		ToolDefs: []extsdk.ToolDef{{
//			Name:        "gps.fix",
//			Description: "Read one NMEA fix",
//			InputSchema: map[string]any{
//				"type": "object",
//				"properties": map[string]any{
//					"connection_id": map[string]any{"type": "string"},
//				},
//				"required": []any{"connection_id"},
//			},
//		}},
//		HandlerMap: map[string]extsdk.Handler{"gps.fix": fix},
//	}
//
// Handlers talk to devices only through Host, which goes through the same
// write lock and receive buffer as the built-in tools.
package extsdk

import (
	"context"
	"log/slog"
	"time"
)

// SymbolName is the exported symbol looked up in compiled extensions.
const SymbolName = "SerialExtension"

// ToolDef declares one tool.
type ToolDef struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	InputSchema map[string]any `json:"input_schema" yaml:"input_schema"`
}

// Handler runs a tool call. The returned map is merged into the success
// envelope; returning an error produces an error envelope.
type Handler func(ctx context.Context, host Host, args map[string]any) (map[string]any, error)

// Extension is what a loadable unit provides.
type Extension interface {
	// Meta is free-form matching metadata such as "description" or
	// "device_name_contains". It may be nil.
	Meta() map[string]any
	Tools() []ToolDef
	// Handlers maps every tool name to its handler.
	Handlers() map[string]Handler
}

// Host is the device surface available to handlers.
type Host interface {
	Write(ctx context.Context, connectionID string, data []byte) (int, error)
	// WriteLine writes text followed by the connection's line terminator.
	WriteLine(ctx context.Context, connectionID, text string) (int, error)
	Read(ctx context.Context, connectionID string, n int, timeout time.Duration) ([]byte, error)
	ReadUntil(ctx context.Context, connectionID string, delim []byte, maxBytes int, timeout time.Duration) ([]byte, bool, error)
	ReadLine(ctx context.Context, connectionID string, maxBytes int, timeout time.Duration) ([]byte, bool, error)
	SetControlLine(ctx context.Context, connectionID, line string, value bool) error
	PulseControlLine(ctx context.Context, connectionID, line string, d time.Duration) error
	Flush(ctx context.Context, connectionID, target string) (int, error)
	Logger() *slog.Logger
}

// Static is an Extension backed by plain values.
type Static struct {
	MetaData   map[string]any
	ToolDefs   []ToolDef
	HandlerMap map[string]Handler
}

func (s Static) Meta() map[string]any         { return s.MetaData }
func (s Static) Tools() []ToolDef             { return s.ToolDefs }
func (s Static) Handlers() map[string]Handler { return s.HandlerMap }
