package extension

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/pkg/extsdk"
)

// ManifestFile is the manifest name inside a directory extension.
const ManifestFile = "extension.yaml"

// Manifest is the YAML form of an extension.
type Manifest struct {
	Meta     map[string]any    `yaml:"meta"`
	Tools    []extsdk.ToolDef  `yaml:"tools"`
	Handlers map[string][]Step `yaml:"handlers"`
}

// ManifestLoader loads YAML manifests whose handlers are step scripts.
type ManifestLoader struct{}

var _ Loader = ManifestLoader{}

func (ManifestLoader) Kind() string { return KindManifest }

func (ManifestLoader) Accepts(p string) bool {
	fi, err := os.Stat(p)
	if err != nil {
		return false
	}
	if fi.IsDir() {
		_, err := os.Stat(filepath.Join(p, ManifestFile))
		return err == nil
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load parses and validates the manifest at p. p must already be contained.
func (l ManifestLoader) Load(ctx context.Context, p string) (*Extension, error) {
	name := NameFromPath(p)
	if err := checkName(name); err != nil {
		return nil, err
	}

	file := p
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		file = filepath.Join(p, ManifestFile)
	}
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, fault.Wrap(fault.ImportFailure, err, "read extension %s", name)
	}

	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fault.Wrap(fault.ImportFailure, err, "parse extension %s", name)
	}

	handlers := make(map[string]extsdk.Handler, len(m.Handlers))
	for tool, steps := range m.Handlers {
		script, err := compileScript(tool, steps)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidContract, err, "extension %s", name)
		}
		handlers[tool] = script.Run
	}
	if err := validateContract(name, m.Tools, handlers); err != nil {
		return nil, err
	}

	return &Extension{
		Name:      name,
		Path:      p,
		ModuleKey: ModuleKey(name, p, content),
		Kind:      KindManifest,
		Meta:      m.Meta,
		Tools:     m.Tools,
		Handlers:  handlers,
		LoadedAt:  time.Now(),
	}, nil
}
