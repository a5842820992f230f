package tools

import (
	"context"

	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/specs"
)

// SpecPathInput defines input for serial.spec.register.
type SpecPathInput struct {
	Path string `json:"path" jsonschema:"Path to the spec markdown file, absolute or relative to the project directory"`
}

// SpecIDInput names a registered spec.
type SpecIDInput struct {
	SpecID string `json:"spec_id" jsonschema:"The spec_id from serial.spec.register"`
}

// SpecAttachInput defines input for serial.spec.attach.
type SpecAttachInput struct {
	ConnectionID string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	SpecID       string `json:"spec_id" jsonschema:"The spec_id from serial.spec.register"`
}

// SpecSearchInput defines input for serial.spec.search.
type SpecSearchInput struct {
	SpecID string `json:"spec_id" jsonschema:"The spec_id from serial.spec.register"`
	Query  string `json:"query" jsonschema:"Search terms (space-separated)"`
	K      count  `json:"k,omitempty" jsonschema:"Max results to return (default 10)"`
}

func (s *Service) specTools() []*dispatch.Tool {
	return []*dispatch.Tool{
		define("serial.spec.template", "Return a markdown template for a new serial protocol spec, optionally pre-filled with a device name.", s.specTemplate),
		define("serial.spec.register", `Register a spec file in the index. Validates the YAML front matter (requires kind: serial-protocol and name).
The file must live inside the project directory.`, s.specRegister),
		define("serial.spec.list", "List all registered specs with their metadata.", s.specList),
		define("serial.spec.attach", `Attach a registered spec to a connection (in memory only) so it is available via serial.spec.get while the connection is open.
After attaching, check serial.plugin.list for a matching plugin, then offer the user their options: drive the device using the spec, use plugin tools, extend a plugin, or create one with serial.plugin.template.`, s.specAttach),
		define("serial.spec.get", "Get the spec attached to a connection (null if none).", s.specGet),
		define("serial.spec.read", "Read full spec content, file path and metadata by spec_id.", s.specRead),
		define("serial.spec.search", "Full-text search over a spec. Returns matching lines with line numbers and surrounding context.", s.specSearch, numberOrString("k")),
	}
}

func (s *Service) specStore() (*specs.Store, error) {
	if s.deps.Specs == nil {
		return nil, fault.New(fault.Unavailable, "the spec registry is not configured")
	}
	return s.deps.Specs, nil
}

func (s *Service) specTemplate(ctx context.Context, in DeviceInput) (result, error) {
	store, err := s.specStore()
	if err != nil {
		return nil, err
	}
	return flatten(result{}, store.NewTemplate(in.DeviceName)), nil
}

func (s *Service) specRegister(ctx context.Context, in SpecPathInput) (result, error) {
	store, err := s.specStore()
	if err != nil {
		return nil, err
	}
	entry, err := store.Register(in.Path)
	if err != nil {
		return nil, err
	}
	return flatten(result{}, entry), nil
}

func (s *Service) specList(ctx context.Context, _ NoInput) (result, error) {
	store, err := s.specStore()
	if err != nil {
		return nil, err
	}
	entries := store.List()
	return result{"specs": entries, "count": len(entries)}, nil
}

func (s *Service) specAttach(ctx context.Context, in SpecAttachInput) (result, error) {
	store, err := s.specStore()
	if err != nil {
		return nil, err
	}
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	doc, err := store.Read(in.SpecID)
	if err != nil {
		return nil, err
	}
	title, _ := doc.Meta["name"].(string)
	c.AttachSpec(connection.SpecRef{ID: doc.ID, Title: title, Path: doc.Path})
	return result{"spec_id": doc.ID, "path": doc.Path, "name": title}, nil
}

func (s *Service) specGet(ctx context.Context, in ConnectionInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	ref, ok := c.Spec()
	if !ok {
		return result{"spec": nil}, nil
	}
	spec := flatten(result{}, ref)
	if s.deps.Specs != nil {
		// The file may have changed since attach; meta is best effort.
		if doc, err := s.deps.Specs.Read(ref.ID); err == nil {
			spec["meta"] = doc.Meta
		}
	}
	return result{"spec": spec}, nil
}

func (s *Service) specRead(ctx context.Context, in SpecIDInput) (result, error) {
	store, err := s.specStore()
	if err != nil {
		return nil, err
	}
	doc, err := store.Read(in.SpecID)
	if err != nil {
		return nil, err
	}
	return flatten(result{}, doc), nil
}

func (s *Service) specSearch(ctx context.Context, in SpecSearchInput) (result, error) {
	store, err := s.specStore()
	if err != nil {
		return nil, err
	}
	hits, err := store.Search(in.SpecID, in.Query, int(in.K))
	if err != nil {
		return nil, err
	}
	return result{"results": hits, "count": len(hits)}, nil
}
