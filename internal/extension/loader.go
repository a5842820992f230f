// Package extension loads runtime tool sets into the dispatch table.
//
// An extension is a manifest (YAML with step-script handlers) or, on
// platforms that support it, a compiled Go plugin. Every load goes through
// the same gate: policy, sandbox containment, the loader's contract checks,
// then a collision check against the full tool table inside one dispatch
// transaction.
package extension

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/pkg/extsdk"
)

// Loader kinds.
const (
	KindManifest = "manifest"
	KindGoPlugin = "goplugin"
)

// reservedNames may not be used as extension names.
var reservedNames = map[string]bool{"all": true}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Extension is a validated, not-yet-activated unit of tools.
type Extension struct {
	Name      string
	Path      string
	ModuleKey string
	Kind      string
	Meta      map[string]any
	Tools     []extsdk.ToolDef
	Handlers  map[string]extsdk.Handler
	LoadedAt  time.Time
}

// ToolNames returns the declared tool names, sorted.
func (e *Extension) ToolNames() []string {
	names := make([]string, len(e.Tools))
	for i, t := range e.Tools {
		names[i] = t.Name
	}
	sort.Strings(names)
	return names
}

// Loader turns a contained path into an Extension.
type Loader interface {
	Kind() string
	// Accepts reports whether the loader handles path. It only inspects the
	// path and directory layout; it never executes extension code.
	Accepts(path string) bool
	Load(ctx context.Context, path string) (*Extension, error)
}

// unitExts are the file suffixes stripped when naming an extension.
var unitExts = map[string]bool{".yaml": true, ".yml": true, ".so": true}

// NameFromPath derives the extension name lexically, without touching the
// filesystem: the base name, minus a recognized extension suffix.
func NameFromPath(p string) string {
	base := filepath.Base(filepath.Clean(p))
	if ext := filepath.Ext(base); unitExts[strings.ToLower(ext)] {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

func checkName(name string) error {
	if reservedNames[strings.ToLower(name)] {
		return fault.New(fault.InvalidContract, "extension name %q is reserved", name)
	}
	if !validName.MatchString(name) {
		return fault.New(fault.InvalidContract, "extension name %q must be letters, digits, '-' or '_'", name)
	}
	return nil
}

// ModuleKey identifies one load of one version of an extension, so two
// extensions or two versions never share loaded state.
func ModuleKey(name, path string, content []byte) string {
	h := sha256.New()
	io.WriteString(h, path)
	h.Write(content)
	return "serial_mcp_ext__" + name + "__" + hex.EncodeToString(h.Sum(nil))[:12]
}

// validateContract enforces the rules every loader shares: a non-empty tool
// set, unique names and handler keys that exactly match the tool names.
func validateContract(name string, tools []extsdk.ToolDef, handlers map[string]extsdk.Handler) error {
	if len(tools) == 0 {
		return fault.New(fault.InvalidContract, "extension %s declares no tools", name)
	}
	declared := make(map[string]bool, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			return fault.New(fault.InvalidContract, "extension %s declares a tool without a name", name)
		}
		if declared[t.Name] {
			return fault.New(fault.InvalidContract, "extension %s declares tool %s twice", name, t.Name)
		}
		declared[t.Name] = true
	}

	var missing, extra []string
	for n := range declared {
		if handlers[n] == nil {
			missing = append(missing, n)
		}
	}
	for n := range handlers {
		if !declared[n] {
			extra = append(extra, n)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "missing handlers: "+strings.Join(missing, ", "))
		}
		if len(extra) > 0 {
			parts = append(parts, "handlers without tools: "+strings.Join(extra, ", "))
		}
		return fault.New(fault.InvalidContract, "extension %s: tools and handlers do not match (%s)", name, strings.Join(parts, "; "))
	}
	return nil
}

// Discover lists loadable units directly inside dir, sorted. Dotfiles are
// skipped.
func Discover(dir string, loaders []Loader) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		for _, l := range loaders {
			if l.Accepts(p) {
				out = append(out, p)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
