package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/serial-mcp/internal/dispatch"
)

// Attach mirrors the dispatch table into server: every current tool is added,
// and later commits add or remove tools, which makes the server emit
// notifications/tools/list_changed to connected clients.
func (s *Service) Attach(server *mcp.Server) {
	current := s.table.Subscribe(func(c dispatch.Change) {
		for _, t := range c.Added {
			server.AddTool(s.mcpTool(t), s.mcpHandler(t.Name))
		}
		if len(c.Removed) > 0 {
			server.RemoveTools(c.Removed...)
		}
		s.logger.Debug("tool table changed", "added", len(c.Added), "removed", len(c.Removed))
	})
	for _, t := range current {
		server.AddTool(s.mcpTool(t), s.mcpHandler(t.Name))
	}
	s.bridged.Store(true)
}

func (s *Service) mcpTool(t *dispatch.Tool) *mcp.Tool {
	return &mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: objectSchema(t.InputSchema),
	}
}

// mcpHandler looks the tool up at call time, so a call racing an unload gets
// unknown_tool instead of running a removed handler.
func (s *Service) mcpHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.Call(ctx, name, req.Params.Arguments).CallToolResult(), nil
	}
}

// objectSchema returns schema with "type":"object", which the server requires
// of every input schema.
func objectSchema(schema map[string]any) map[string]any {
	if t, _ := schema["type"].(string); t == "object" {
		return schema
	}
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["type"] = "object"
	return out
}
