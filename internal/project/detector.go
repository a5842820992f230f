package project

import (
	"os"
	"path/filepath"
)

// StateDirName is the per-project state directory.
const StateDirName = ".serial_mcp"

// RootEnv overrides state directory discovery.
const RootEnv = "SERIAL_MCP_SPEC_ROOT"

// Source records how a state directory was found.
type Source string

const (
	// SourceEnv means RootEnv named the directory.
	SourceEnv Source = "env"
	// SourceExisting is an existing .serial_mcp found walking up.
	SourceExisting Source = "existing"
	// SourceGit places .serial_mcp next to the nearest .git.
	SourceGit Source = "git"
	// SourceCwd falls back to the working directory.
	SourceCwd Source = "cwd"
)

// Project is the directory tree serial-mcp keeps its state in.
type Project struct {
	// Path is the project directory, the parent of Root.
	Path string `json:"path"`
	// Root is the state directory.
	Root string `json:"root"`
	// Source is how Root was found.
	Source Source `json:"source"`
}

// Layout under Root.
func (p *Project) PluginsDir() string { return filepath.Join(p.Root, "plugins") }
func (p *Project) SpecsDir() string   { return filepath.Join(p.Root, "specs") }
func (p *Project) IndexFile() string  { return filepath.Join(p.Root, "index.json") }
func (p *Project) TraceFile() string  { return filepath.Join(p.Root, "traces", "trace.jsonl") }
func (p *Project) CacheDir() string   { return filepath.Join(p.Root, "cache") }
func (p *Project) ConfigFile() string { return filepath.Join(p.Root, "serial-mcp.kdl") }

// Detect finds the state directory. In order: envRoot when non-empty, the
// nearest existing .serial_mcp walking up from cwd, a .serial_mcp next to the
// nearest .git, or cwd/.serial_mcp. Nothing is created.
func Detect(envRoot, cwd string) (*Project, error) {
	if envRoot != "" {
		root, err := filepath.Abs(envRoot)
		if err != nil {
			return nil, err
		}
		return newProject(root, SourceEnv), nil
	}

	start, err := filepath.Abs(cwd)
	if err != nil {
		return nil, err
	}
	if dir, ok := walkUp(start, func(d string) bool { return isDir(filepath.Join(d, StateDirName)) }); ok {
		return newProject(filepath.Join(dir, StateDirName), SourceExisting), nil
	}
	if dir, ok := walkUp(start, func(d string) bool { return isDir(filepath.Join(d, ".git")) }); ok {
		return newProject(filepath.Join(dir, StateDirName), SourceGit), nil
	}
	return newProject(filepath.Join(start, StateDirName), SourceCwd), nil
}

// DetectFromEnv runs Detect with RootEnv and the process working directory.
func DetectFromEnv() (*Project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return Detect(os.Getenv(RootEnv), cwd)
}

func newProject(root string, src Source) *Project {
	root = filepath.Clean(root)
	path := filepath.Dir(root)
	// The project directory is compared against real paths later.
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return &Project{Path: path, Root: root, Source: src}
}

func walkUp(start string, match func(string) bool) (string, bool) {
	dir := start
	for {
		if match(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
