package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/metrics"
	"github.com/standardbeagle/serial-mcp/pkg/extsdk"
)

// DefaultGrace is how long Unload waits for active calls.
const DefaultGrace = 2 * time.Second

// Options configures a Registry.
type Options struct {
	// Dir is the sandbox directory extensions must live in.
	Dir    string
	Policy Policy
	Table  *dispatch.Table
	Host   extsdk.Host
	// Loaders are tried in order; the first that accepts a path loads it.
	Loaders []Loader
	Grace   time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Info is the introspection view of a loaded extension.
type Info struct {
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Kind        string         `json:"kind"`
	ModuleKey   string         `json:"module_key"`
	Tools       []string       `json:"tools"`
	Meta        map[string]any `json:"meta,omitempty"`
	LoadedAt    time.Time      `json:"loaded_at"`
	ActiveCalls int            `json:"active_calls"`
}

// Registry tracks loaded extensions and keeps their tools in the dispatch
// table.
type Registry struct {
	opts    Options
	sandbox *Sandbox
	logger  *slog.Logger

	// mu serializes load, unload and reload.
	mu     sync.Mutex
	loaded map[string]*entry
	// paths remembers the last path of every extension ever loaded, so a
	// reload after a failed reload still knows where to look.
	paths map[string]string
}

type entry struct {
	ext   *Extension
	calls *inflight
}

// NewRegistry builds a registry. The sandbox directory is not created.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Table == nil {
		return nil, errors.New("extension registry needs a dispatch table")
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Loaders) == 0 {
		opts.Loaders = []Loader{ManifestLoader{}}
	}
	sb, err := NewSandbox(opts.Dir)
	if err != nil {
		return nil, err
	}
	return &Registry{
		opts:    opts,
		sandbox: sb,
		logger:  opts.Logger.With("component", "extensions"),
		loaded:  make(map[string]*entry),
		paths:   make(map[string]string),
	}, nil
}

// Policy returns the policy fixed at startup.
func (r *Registry) Policy() Policy { return r.opts.Policy }

// Dir returns the sandbox directory.
func (r *Registry) Dir() string { return r.sandbox.Dir() }

// Load loads the extension at path. A path naming an already loaded
// extension reloads it.
func (r *Registry) Load(ctx context.Context, path string) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx, path)
}

func (r *Registry) load(ctx context.Context, path string) (info *Info, err error) {
	defer func() { r.recordLoad(err) }()

	name := NameFromPath(path)
	if err := r.opts.Policy.Check(name); err != nil {
		return nil, err
	}
	old, reloading := r.loaded[name]
	if reloading {
		if err := r.drain(name, old); err != nil {
			return nil, err
		}
		defer old.calls.undrain()
	}

	ext, tools, loadErr := r.prepare(ctx, name, path)
	if loadErr != nil && !reloading {
		return nil, loadErr
	}

	var addErr error
	change, err := r.opts.Table.Update(func(tx *dispatch.Tx) error {
		if reloading {
			tx.RemoveOwner(name)
		}
		if loadErr != nil {
			return nil
		}
		for _, t := range tools.list {
			if err := tx.Add(t); err != nil {
				if !reloading {
					return err
				}
				// Keep the removal of the old version; drop what was added.
				tx.RemoveOwner(name)
				addErr = err
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if loadErr == nil {
		loadErr = addErr
	}

	if loadErr != nil {
		delete(r.loaded, name)
		r.logger.Warn("reload failed; extension unloaded",
			"extension", name, "removed", len(change.Removed), "error", loadErr)
		return nil, loadErr
	}

	r.loaded[name] = &entry{ext: ext, calls: tools.calls}
	r.paths[name] = ext.Path
	r.logger.Info("extension loaded",
		"extension", name, "kind", ext.Kind, "tools", len(ext.Tools), "reload", reloading)
	i := infoOf(ext, tools.calls)
	return &i, nil
}

type preparedTools struct {
	list  []*dispatch.Tool
	calls *inflight
}

// prepare resolves, loads and wraps the unit at path without touching the
// dispatch table.
func (r *Registry) prepare(ctx context.Context, name, path string) (*Extension, preparedTools, error) {
	resolved, err := r.locate(path)
	if err != nil {
		return nil, preparedTools{}, err
	}
	if target := NameFromPath(resolved); target != name {
		// A symlink may point at a unit with another name; both must pass.
		if err := r.opts.Policy.Check(target); err != nil {
			return nil, preparedTools{}, err
		}
	}
	ext, err := r.loadUnit(ctx, name, resolved)
	if err != nil {
		return nil, preparedTools{}, err
	}
	calls := &inflight{}
	list, err := r.dispatchTools(ext, calls)
	if err != nil {
		return nil, preparedTools{}, err
	}
	return ext, preparedTools{list: list, calls: calls}, nil
}

// locate resolves path inside the sandbox. A bare name with no matching
// entry is retried with each known file suffix.
func (r *Registry) locate(path string) (string, error) {
	resolved, err := r.sandbox.Resolve(path)
	if err == nil || !fault.IsKind(err, fault.NotFound) || filepath.Ext(path) != "" {
		return resolved, err
	}
	for _, suffix := range []string{".yaml", ".yml", ".so"} {
		if p, perr := r.sandbox.Resolve(path + suffix); perr == nil {
			return p, nil
		}
	}
	return "", err
}

func (r *Registry) loadUnit(ctx context.Context, name, resolved string) (*Extension, error) {
	for _, l := range r.opts.Loaders {
		if !l.Accepts(resolved) {
			continue
		}
		ext, err := l.Load(ctx, resolved)
		if err != nil {
			return nil, err
		}
		// The name the policy admitted wins over the symlink target's.
		ext.Name = name
		return ext, nil
	}
	return nil, fault.New(fault.ImportFailure, "no loader accepts %s", resolved)
}

// dispatchTools compiles schemas and wraps handlers.
func (r *Registry) dispatchTools(ext *Extension, calls *inflight) ([]*dispatch.Tool, error) {
	out := make([]*dispatch.Tool, 0, len(ext.Tools))
	for _, def := range ext.Tools {
		schema, err := compileSchema(def.InputSchema)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidContract, err, "extension %s tool %s input schema", ext.Name, def.Name)
		}
		inputSchema := def.InputSchema
		if len(inputSchema) == 0 {
			inputSchema = map[string]any{"type": "object"}
		}
		out = append(out, &dispatch.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: inputSchema,
			Owner:       ext.Name,
			Handler:     r.wrap(ext.Name, def.Name, schema, ext.Handlers[def.Name], calls),
		})
	}
	return out, nil
}

func (r *Registry) wrap(owner, tool string, schema *jsonschema.Schema, h extsdk.Handler, calls *inflight) dispatch.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		if !calls.enter() {
			return nil, fault.New(fault.Unavailable, "extension %s is unloading", owner)
		}
		defer calls.leave()

		args := map[string]any{}
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fault.Wrap(fault.InvalidParams, err, "arguments for %s must be an object", tool)
			}
		}
		if err := validateArgs(tool, schema, args); err != nil {
			return nil, err
		}
		return h(ctx, r.opts.Host, args)
	}
}

// drain stops new calls into e and waits for active ones. On timeout the
// extension keeps serving and Busy is returned.
func (r *Registry) drain(name string, e *entry) error {
	if e.calls.drain(r.opts.Grace) {
		return nil
	}
	e.calls.undrain()
	return fault.New(fault.Busy, "extension %s has %d active calls", name, e.calls.active())
}

// Unload removes an extension's tools from the dispatch table.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.loaded[name]
	if !ok {
		return fault.New(fault.NotFound, "extension %s is not loaded", name)
	}
	if err := r.drain(name, e); err != nil {
		return err
	}
	if _, err := r.opts.Table.Update(func(tx *dispatch.Tx) error {
		tx.RemoveOwner(name)
		return nil
	}); err != nil {
		e.calls.undrain()
		return err
	}
	delete(r.loaded, name)
	r.logger.Info("extension unloaded", "extension", name)
	return nil
}

// Reload loads name again from its last known path.
func (r *Registry) Reload(ctx context.Context, name string) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, ok := r.paths[name]
	if !ok {
		return nil, fault.New(fault.NotFound, "extension %s was never loaded", name)
	}
	return r.load(ctx, path)
}

// LoadAll loads every unit in the sandbox directory. Individual failures are
// logged and joined; they never stop the rest.
func (r *Registry) LoadAll(ctx context.Context) ([]Info, error) {
	if !r.opts.Policy.Enabled() {
		return nil, nil
	}
	if _, err := os.Stat(r.Dir()); os.IsNotExist(err) {
		return nil, nil
	}

	var infos []Info
	var errs []error
	for _, p := range Discover(r.Dir(), r.opts.Loaders) {
		name := NameFromPath(p)
		if r.opts.Policy.Check(name) != nil {
			continue
		}
		info, err := r.Load(ctx, p)
		if err != nil {
			r.logger.Warn("extension failed to load", "extension", name, "path", p, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		infos = append(infos, *info)
	}
	return infos, errors.Join(errs...)
}

// List returns loaded extensions sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.loaded))
	for _, e := range r.loaded {
		out = append(out, infoOf(e.ext, e.calls))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Path returns the last path name was loaded from.
func (r *Registry) Path(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[name]
	return p, ok
}

// Loaded reports whether name is currently loaded.
func (r *Registry) Loaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loaded[name]
	return ok
}

func (r *Registry) recordLoad(err error) {
	if err == nil {
		r.opts.Metrics.ExtensionLoad("ok")
		return
	}
	r.opts.Metrics.ExtensionLoad(string(fault.KindOf(err)))
}

func infoOf(e *Extension, calls *inflight) Info {
	return Info{
		Name:        e.Name,
		Path:        e.Path,
		Kind:        e.Kind,
		ModuleKey:   e.ModuleKey,
		Tools:       e.ToolNames(),
		Meta:        e.Meta,
		LoadedAt:    e.LoadedAt,
		ActiveCalls: calls.active(),
	}
}

// inflight counts active handler calls for one loaded extension.
type inflight struct {
	mu       sync.Mutex
	n        int
	draining bool
	idle     chan struct{}
}

func (f *inflight) enter() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draining {
		return false
	}
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	return true
}

func (f *inflight) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

func (f *inflight) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// drain blocks new calls and waits up to d for active ones to finish.
func (f *inflight) drain(d time.Duration) bool {
	f.mu.Lock()
	f.draining = true
	if f.n == 0 {
		f.mu.Unlock()
		return true
	}
	idle := f.idle
	f.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-t.C:
		return false
	}
}

func (f *inflight) undrain() {
	f.mu.Lock()
	f.draining = false
	f.mu.Unlock()
}
