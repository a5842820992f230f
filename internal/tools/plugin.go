package tools

import (
	"context"

	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/extension"
	"github.com/standardbeagle/serial-mcp/internal/fault"
)

const loadHint = "Tools are live on the server; a client that ignores tools/list_changed may need a restart to call them."

// PluginPathInput defines input for serial.plugin.load.
type PluginPathInput struct {
	Path string `json:"path" jsonschema:"Manifest (.yaml), extension directory or .so file inside .serial_mcp/plugins; a bare name is resolved there"`
}

// PluginNameInput names a loaded extension.
type PluginNameInput struct {
	Name string `json:"name" jsonschema:"Name of the loaded plugin"`
}

// DeviceInput defines input for the template tools.
type DeviceInput struct {
	DeviceName string `json:"device_name,omitempty" jsonschema:"Device name to pre-fill in the template"`
}

func (s *Service) pluginTools() []*dispatch.Tool {
	return []*dispatch.Tool{
		define("serial.plugin.list", `List loaded plugins with their tool names and metadata.
Each plugin may carry meta hints such as device_name_contains or description; use them to pick the plugin that fits the connected device.
Also reports whether plugins are enabled and the policy. Plugins require SERIAL_MCP_PLUGINS: 'all' for every plugin or 'name1,name2' for an allow-list.
If disabled, tell the user to set this variable when adding the MCP server.`, s.pluginList),
		define("serial.plugin.load", "Load a plugin from the plugins directory and add its tools. Loading a loaded name reloads it. Requires SERIAL_MCP_PLUGINS.", s.pluginLoad),
		define("serial.plugin.reload", "Hot-reload a loaded plugin from its last path and refresh its tools. If the new version fails to load the plugin ends unloaded.", s.pluginReload),
		define("serial.plugin.unload", "Unload a plugin and remove its tools. Fails with busy while one of its tools is still running.", s.pluginUnload),
		define("serial.plugin.template", `Return a YAML plugin manifest template, optionally pre-filled with a device name.
Save it to the suggested path under .serial_mcp/plugins, fill in the tools and handler steps, then load it with serial.plugin.load.`, s.pluginTemplate),
	}
}

func (s *Service) extensions() (*extension.Registry, error) {
	if s.deps.Extensions == nil {
		return nil, fault.New(fault.Unavailable, "the plugin subsystem is not configured")
	}
	return s.deps.Extensions, nil
}

func (s *Service) pluginList(ctx context.Context, _ NoInput) (result, error) {
	if s.deps.Extensions == nil {
		return result{"plugins": []extension.Info{}, "count": 0, "enabled": false, "policy": "disabled"}, nil
	}
	reg := s.deps.Extensions
	plugins := reg.List()
	return result{
		"plugins":     plugins,
		"count":       len(plugins),
		"plugins_dir": reg.Dir(),
		"enabled":     reg.Policy().Enabled(),
		"policy":      reg.Policy().String(),
	}, nil
}

func (s *Service) pluginLoad(ctx context.Context, in PluginPathInput) (result, error) {
	reg, err := s.extensions()
	if err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fault.New(fault.InvalidParams, "path is required")
	}
	info, err := reg.Load(ctx, in.Path)
	if err != nil {
		return nil, err
	}
	return result{
		"name":     info.Name,
		"kind":     info.Kind,
		"tools":    info.Tools,
		"meta":     info.Meta,
		"notified": s.notified(),
		"hint":     loadHint,
	}, nil
}

func (s *Service) pluginReload(ctx context.Context, in PluginNameInput) (result, error) {
	reg, err := s.extensions()
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, fault.New(fault.InvalidParams, "name is required")
	}
	info, err := reg.Reload(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	return result{
		"name":     info.Name,
		"tools":    info.Tools,
		"notified": s.notified(),
	}, nil
}

func (s *Service) pluginUnload(ctx context.Context, in PluginNameInput) (result, error) {
	reg, err := s.extensions()
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, fault.New(fault.InvalidParams, "name is required")
	}
	var tools []string
	for _, info := range reg.List() {
		if info.Name == in.Name {
			tools = info.Tools
		}
	}
	if err := reg.Unload(in.Name); err != nil {
		return nil, err
	}
	return result{
		"name":          in.Name,
		"removed_tools": tools,
		"notified":      s.notified(),
	}, nil
}

func (s *Service) pluginTemplate(ctx context.Context, in DeviceInput) (result, error) {
	reg, err := s.extensions()
	if err != nil {
		return nil, err
	}
	return flatten(result{}, extension.NewTemplate(reg.Dir(), in.DeviceName)), nil
}
