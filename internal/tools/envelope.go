package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

// Envelope is the JSON object every tool call returns. Success is
// {"ok":true,...}; failure is {"ok":false,"error":{"code","message"}}.
type Envelope map[string]any

// result is what built-in handlers return; it becomes the success envelope.
type result map[string]any

// OK reports whether the envelope is a success.
func (e Envelope) OK() bool {
	ok, _ := e["ok"].(bool)
	return ok
}

// Code returns the error code of a failure envelope.
func (e Envelope) Code() string {
	if errObj, ok := e["error"].(map[string]any); ok {
		code, _ := errObj["code"].(string)
		return code
	}
	return ""
}

func okEnvelope(out any) Envelope {
	env := Envelope{}
	switch v := out.(type) {
	case nil:
	case result:
		for k, val := range v {
			env[k] = val
		}
	case map[string]any:
		for k, val := range v {
			env[k] = val
		}
	default:
		env["result"] = v
	}
	env["ok"] = true
	return env
}

func errEnvelope(code fault.Kind, message string) Envelope {
	return Envelope{
		"ok":    false,
		"error": map[string]any{"code": string(code), "message": message},
	}
}

// errorKind classifies err, treating context expiry as a timeout.
func errorKind(err error) fault.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Timeout
	case errors.Is(err, context.Canceled):
		return fault.Unavailable
	}
	return fault.KindOf(err)
}

// CallToolResult renders the envelope as MCP text content. Timeouts are not
// flagged as errors so polling loops stay quiet.
func (e Envelope) CallToolResult() *mcp.CallToolResult {
	data, err := json.Marshal(e)
	if err != nil {
		data, _ = json.Marshal(errEnvelope(fault.Internal, "encode result: "+err.Error()))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: !e.OK() && e.Code() != string(fault.Timeout),
	}
}

// flatten merges the JSON fields of v into r.
func flatten(r result, v any) result {
	data, err := json.Marshal(v)
	if err != nil {
		return r
	}
	var fields map[string]any
	if json.Unmarshal(data, &fields) != nil {
		return r
	}
	for k, val := range fields {
		if _, taken := r[k]; !taken {
			r[k] = val
		}
	}
	return r
}
