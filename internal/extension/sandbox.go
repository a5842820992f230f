package extension

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

// Sandbox is the directory extensions must live in. Containment is decided on
// real paths, after every symlink is resolved.
type Sandbox struct {
	dir string
}

// NewSandbox returns a sandbox rooted at dir. The directory need not exist
// yet.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox %s: %w", dir, err)
	}
	return &Sandbox{dir: abs}, nil
}

// Dir returns the sandbox directory as configured.
func (s *Sandbox) Dir() string { return s.dir }

// Resolve returns the real path of p if it lies strictly inside the sandbox.
// Relative paths are taken relative to the sandbox.
func (s *Sandbox) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fault.New(fault.InvalidParams, "path is required")
	}
	root, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", fault.Wrap(fault.OutsideSandbox, err, "extension directory %s is not usable", s.dir)
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.dir, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			if rel, rerr := filepath.Rel(s.dir, filepath.Clean(candidate)); rerr != nil || outside(rel) {
				return "", fault.New(fault.OutsideSandbox, "extension path %s resolves outside %s", p, s.dir)
			}
			// A dangling link must not reveal where it points.
			if target, ok := danglingTarget(candidate); ok {
				if rel, rerr := filepath.Rel(root, target); rerr != nil || outside(rel) {
					return "", fault.New(fault.OutsideSandbox, "extension path %s resolves outside %s", p, s.dir)
				}
			}
			return "", fault.New(fault.NotFound, "extension %s not found", p)
		}
		return "", fault.Wrap(fault.OutsideSandbox, err, "resolve %s", p)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", fault.Wrap(fault.OutsideSandbox, err, "resolve %s", p)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || outside(rel) {
		return "", fault.New(fault.OutsideSandbox, "extension path %s resolves outside %s", p, s.dir)
	}
	return resolved, nil
}

func outside(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel)
}

// danglingTarget follows the symlink chain starting at p as far as it exists
// and returns the final missing target with its parent resolved. ok is false
// when p is not a symlink.
func danglingTarget(p string) (string, bool) {
	cur := filepath.Clean(p)
	followed := false
	for range 40 {
		fi, err := os.Lstat(cur)
		if err != nil {
			break
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			break
		}
		link, err := os.Readlink(cur)
		if err != nil {
			break
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(filepath.Dir(cur), link)
		}
		cur = filepath.Clean(link)
		followed = true
	}
	if !followed {
		return "", false
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(cur)); err == nil {
		cur = filepath.Join(dir, filepath.Base(cur))
	}
	return cur, true
}

// Contains reports whether p resolves inside the sandbox.
func (s *Sandbox) Contains(p string) bool {
	_, err := s.Resolve(p)
	return err == nil
}
