// Package specs indexes device protocol specs: markdown files with a YAML
// front matter block, kept inside the project directory.
package specs

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/project"
)

// Kind is the required front matter kind.
const Kind = "serial-protocol"

// DefaultSearchResults is the search k used when none is given.
const DefaultSearchResults = 10

var frontMatter = regexp.MustCompile(`(?s)\A---[ \t]*\r?\n(.*?\n)---[ \t]*\r?\n`)

// Entry is one indexed spec.
type Entry struct {
	ID           string    `json:"spec_id"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Document is a spec read back from disk.
type Document struct {
	ID      string         `json:"spec_id"`
	Path    string         `json:"path"`
	Meta    map[string]any `json:"meta"`
	Body    string         `json:"body"`
	Content string         `json:"content"`
}

// Hit is one search result.
type Hit struct {
	Line    int    `json:"line"`
	Text    string `json:"text"`
	Score   int    `json:"score"`
	Context string `json:"context"`
}

// Store reads and writes the spec index of one project.
type Store struct {
	proj   *project.Project
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore returns a store for proj. Directories are created on first
// register.
func NewStore(proj *project.Project, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{proj: proj, logger: logger.With("component", "specs")}
}

// Project returns the project the store indexes.
func (s *Store) Project() *project.Project { return s.proj }

// ParseFrontMatter splits content into its front matter and body. Content
// without a valid block yields nil meta and the whole content as body.
func ParseFrontMatter(content string) (map[string]any, string) {
	m := frontMatter.FindStringSubmatchIndex(content)
	if m == nil {
		return nil, content
	}
	var meta map[string]any
	if err := yaml.Unmarshal([]byte(content[m[2]:m[3]]), &meta); err != nil || meta == nil {
		return nil, content
	}
	return meta, content[m[1]:]
}

// ValidateMeta lists what is wrong with a spec's front matter.
func ValidateMeta(meta map[string]any) []string {
	var problems []string
	if k, _ := meta["kind"].(string); k != Kind {
		problems = append(problems, fmt.Sprintf("missing or invalid 'kind': must be '%s'", Kind))
	}
	if n, _ := meta["name"].(string); strings.TrimSpace(n) == "" {
		problems = append(problems, "missing or invalid 'name': must be a non-empty string")
	}
	return problems
}

// SpecID is a stable id for the spec at the real path p.
func SpecID(p string) string {
	sum := sha256.Sum256([]byte(p))
	return hex.EncodeToString(sum[:])[:16]
}

// contained resolves p and checks it lies inside the project directory.
// Relative paths are taken relative to the project directory.
func (s *Store) contained(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fault.New(fault.InvalidParams, "path is required")
	}
	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.proj.Path, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.Wrap(fault.NotFound, err, "spec file %s", p)
		}
		return "", fault.Wrap(fault.InvalidParams, err, "resolve %s", p)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", fault.Wrap(fault.InvalidParams, err, "resolve %s", p)
	}
	rel, err := filepath.Rel(s.proj.Path, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fault.New(fault.OutsideSandbox, "spec path must be inside the project directory (%s), got %s", s.proj.Path, p)
	}
	return resolved, nil
}

func (s *Store) loadIndex() map[string]Entry {
	index := map[string]Entry{}
	data, err := os.ReadFile(s.proj.IndexFile())
	if err != nil {
		return index
	}
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Warn("corrupt spec index, starting fresh", "path", s.proj.IndexFile(), "error", err)
		return map[string]Entry{}
	}
	return index
}

func (s *Store) saveIndex(index map[string]Entry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spec index: %w", err)
	}
	tmp := s.proj.IndexFile() + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write spec index: %w", err)
	}
	if err := os.Rename(tmp, s.proj.IndexFile()); err != nil {
		return fmt.Errorf("replace spec index: %w", err)
	}
	return nil
}

// Register validates the spec at p and adds it to the index.
func (s *Store) Register(p string) (Entry, error) {
	resolved, err := s.contained(p)
	if err != nil {
		return Entry{}, err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return Entry{}, fault.Wrap(fault.NotFound, err, "read spec %s", p)
	}
	meta, _ := ParseFrontMatter(string(content))
	if problems := ValidateMeta(meta); len(problems) > 0 {
		return Entry{}, fault.New(fault.InvalidParams, "invalid spec front matter: %s", strings.Join(problems, "; "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.proj.SpecsDir(), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create spec directory: %w", err)
	}
	entry := Entry{
		ID:           SpecID(resolved),
		Path:         resolved,
		Name:         meta["name"].(string),
		Kind:         Kind,
		RegisteredAt: time.Now().UTC(),
	}
	index := s.loadIndex()
	index[entry.ID] = entry
	if err := s.saveIndex(index); err != nil {
		return Entry{}, err
	}
	s.logger.Info("spec registered", "spec_id", entry.ID, "path", resolved)
	return entry, nil
}

// List returns every indexed spec, sorted by name then id.
func (s *Store) List() []Entry {
	s.mu.Lock()
	index := s.loadIndex()
	s.mu.Unlock()

	out := make([]Entry, 0, len(index))
	for _, e := range index {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns the index entry for id.
func (s *Store) Lookup(id string) (Entry, error) {
	s.mu.Lock()
	index := s.loadIndex()
	s.mu.Unlock()
	e, ok := index[id]
	if !ok {
		return Entry{}, fault.New(fault.NotFound, "unknown spec_id %s", id)
	}
	return e, nil
}

// Read loads the spec id from disk. The indexed path must still be inside
// the project.
func (s *Store) Read(id string) (Document, error) {
	e, err := s.Lookup(id)
	if err != nil {
		return Document{}, err
	}
	resolved, err := s.contained(e.Path)
	if err != nil {
		return Document{}, err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return Document{}, fault.Wrap(fault.NotFound, err, "spec file %s is missing", e.Path)
	}
	meta, body := ParseFrontMatter(string(content))
	return Document{ID: id, Path: resolved, Meta: meta, Body: body, Content: string(content)}, nil
}

// Search scores each line by how many query terms it contains, case
// insensitively, and returns the best k with one line of context either
// side.
func (s *Store) Search(id, query string, k int) ([]Hit, error) {
	doc, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultSearchResults
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(doc.Content))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	hits := []Hit{}
	for i, line := range lines {
		lower := strings.ToLower(line)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, Hit{Line: i + 1, Text: line, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Line < hits[j].Line
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	for i := range hits {
		var ctx []string
		for idx := hits[i].Line - 2; idx <= hits[i].Line; idx++ {
			if idx >= 0 && idx < len(lines) {
				ctx = append(ctx, fmt.Sprintf("%d: %s", idx+1, lines[idx]))
			}
		}
		hits[i].Context = strings.Join(ctx, "\n")
	}
	return hits, nil
}
