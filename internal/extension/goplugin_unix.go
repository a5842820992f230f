//go:build !windows

package extension

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/pkg/extsdk"
)

// GoPluginLoader loads compiled extensions built with -buildmode=plugin.
//
// The runtime cannot unload a plugin and refuses to open one path twice, so
// each version is copied to CacheDir under its module key and opened from
// there. A changed file gets a new key and therefore a fresh load; an
// unchanged file reuses the already opened copy.
type GoPluginLoader struct {
	CacheDir string

	mu     sync.Mutex
	opened map[string]extsdk.Extension
}

var _ Loader = (*GoPluginLoader)(nil)

// NewGoPluginLoader returns a loader caching copies under cacheDir.
func NewGoPluginLoader(cacheDir string) *GoPluginLoader {
	return &GoPluginLoader{CacheDir: cacheDir, opened: make(map[string]extsdk.Extension)}
}

func (l *GoPluginLoader) Kind() string { return KindGoPlugin }

func (l *GoPluginLoader) Accepts(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && strings.EqualFold(filepath.Ext(p), ".so")
}

func (l *GoPluginLoader) Load(ctx context.Context, p string) (*Extension, error) {
	name := NameFromPath(p)
	if err := checkName(name); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(p)
	if err != nil {
		return nil, fault.Wrap(fault.ImportFailure, err, "read extension %s", name)
	}
	key := ModuleKey(name, p, content)

	ext, err := l.open(key, content)
	if err != nil {
		return nil, fault.Wrap(fault.ImportFailure, err, "load extension %s", name)
	}

	tools := ext.Tools()
	handlers := ext.Handlers()
	if err := validateContract(name, tools, handlers); err != nil {
		return nil, err
	}
	return &Extension{
		Name:      name,
		Path:      p,
		ModuleKey: key,
		Kind:      KindGoPlugin,
		Meta:      ext.Meta(),
		Tools:     tools,
		Handlers:  handlers,
		LoadedAt:  time.Now(),
	}, nil
}

func (l *GoPluginLoader) open(key string, content []byte) (extsdk.Extension, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened == nil {
		l.opened = make(map[string]extsdk.Extension)
	}
	if ext, ok := l.opened[key]; ok {
		return ext, nil
	}

	if err := os.MkdirAll(l.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create plugin cache: %w", err)
	}
	cached := filepath.Join(l.CacheDir, key+".so")
	if err := os.WriteFile(cached, content, 0o500); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("copy plugin: %w", err)
	}

	plug, err := plugin.Open(cached)
	if err != nil {
		return nil, fmt.Errorf("open plugin: %w", err)
	}
	symbol, err := plug.Lookup(extsdk.SymbolName)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", extsdk.SymbolName, err)
	}

	var ext extsdk.Extension
	switch v := symbol.(type) {
	case extsdk.Extension:
		ext = v
	case *extsdk.Extension:
		ext = *v
	default:
		return nil, fault.New(fault.InvalidContract, "symbol %s does not implement extsdk.Extension", extsdk.SymbolName)
	}
	if ext == nil {
		return nil, fault.New(fault.InvalidContract, "symbol %s is nil", extsdk.SymbolName)
	}
	l.opened[key] = ext
	return ext, nil
}
