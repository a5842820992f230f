//go:build windows

package extension

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

// GoPluginLoader reports compiled extensions as unsupported on Windows.
type GoPluginLoader struct {
	CacheDir string
}

var _ Loader = (*GoPluginLoader)(nil)

func NewGoPluginLoader(cacheDir string) *GoPluginLoader {
	return &GoPluginLoader{CacheDir: cacheDir}
}

func (l *GoPluginLoader) Kind() string { return KindGoPlugin }

func (l *GoPluginLoader) Accepts(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && strings.EqualFold(filepath.Ext(p), ".so")
}

func (l *GoPluginLoader) Load(ctx context.Context, p string) (*Extension, error) {
	return nil, fault.New(fault.ImportFailure, "compiled extensions are not supported on windows: %s", p)
}
