// Package dispatch holds the live tool table shared by built-in tools and
// loaded extensions.
//
// The table is copy-on-write: lookups read an immutable snapshot without
// locking, and every mutation runs as a transaction that publishes exactly one
// new snapshot or none. Callers never observe a half-merged tool set.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

// Handler runs one tool call. args is the raw JSON object sent by the caller.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one dispatchable operation.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Owner is the extension that contributed the tool; empty for built-ins.
	Owner   string
	Handler Handler
}

// Builtin reports whether the tool ships with the server.
func (t *Tool) Builtin() bool { return t.Owner == "" }

// Change describes one committed transaction.
type Change struct {
	// Added holds new or replaced tools.
	Added []*Tool
	// Removed holds names no longer present.
	Removed []string
}

// Empty reports whether the change did nothing.
func (c Change) Empty() bool { return len(c.Added) == 0 && len(c.Removed) == 0 }

// ChangeHook observes committed changes. Hooks run in commit order while the
// table's write lock is held, so they must not mutate the table.
type ChangeHook func(Change)

type snapshot struct {
	tools map[string]*Tool
}

// Table is the process-wide tool table.
type Table struct {
	mu    sync.Mutex
	snap  atomic.Pointer[snapshot]
	hooks []ChangeHook
}

// New returns an empty table.
func New() *Table {
	t := &Table{}
	t.snap.Store(&snapshot{tools: map[string]*Tool{}})
	return t
}

// OnChange registers h for every future commit.
func (t *Table) OnChange(h ChangeHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

// Subscribe registers h and returns the tools present at that moment, so a
// mirror of the table can start from a snapshot without missing a commit.
func (t *Table) Subscribe(h ChangeHook) []*Tool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
	return sortedTools(t.snap.Load())
}

// Lookup returns the tool named name.
func (t *Table) Lookup(name string) (*Tool, bool) {
	tool, ok := t.snap.Load().tools[name]
	return tool, ok
}

// Len returns the number of tools.
func (t *Table) Len() int { return len(t.snap.Load().tools) }

// List returns every tool sorted by name.
func (t *Table) List() []*Tool {
	return sortedTools(t.snap.Load())
}

func sortedTools(s *snapshot) []*Tool {
	out := make([]*Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every tool name, sorted.
func (t *Table) Names() []string {
	tools := t.List()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

// Register adds tools in one transaction. Any collision aborts all of them.
func (t *Table) Register(tools ...*Tool) error {
	_, err := t.Update(func(tx *Tx) error {
		for _, tool := range tools {
			if err := tx.Add(tool); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// Update runs fn against a private copy of the table. If fn returns nil the
// copy is published and hooks are told what changed; otherwise nothing
// happens.
func (t *Table) Update(fn func(tx *Tx) error) (Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := t.snap.Load()
	tx := &Tx{tools: make(map[string]*Tool, len(base.tools))}
	for k, v := range base.tools {
		tx.tools[k] = v
	}
	if err := fn(tx); err != nil {
		return Change{}, err
	}

	change := diff(base.tools, tx.tools)
	if change.Empty() {
		return change, nil
	}
	t.snap.Store(&snapshot{tools: tx.tools})
	for _, h := range t.hooks {
		h(change)
	}
	return change, nil
}

func diff(before, after map[string]*Tool) Change {
	var c Change
	for name, tool := range after {
		if prev, ok := before[name]; !ok || prev != tool {
			c.Added = append(c.Added, tool)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			c.Removed = append(c.Removed, name)
		}
	}
	sort.Slice(c.Added, func(i, j int) bool { return c.Added[i].Name < c.Added[j].Name })
	sort.Strings(c.Removed)
	return c
}

// Tx is an open transaction. It is only valid inside the Update callback.
type Tx struct {
	tools map[string]*Tool
}

// Has reports whether name is taken in this transaction's view.
func (tx *Tx) Has(name string) bool {
	_, ok := tx.tools[name]
	return ok
}

// Lookup returns a tool in this transaction's view.
func (tx *Tx) Lookup(name string) (*Tool, bool) {
	tool, ok := tx.tools[name]
	return tool, ok
}

// Add inserts tool, failing with NameCollision if the name is taken.
func (tx *Tx) Add(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fault.New(fault.InvalidContract, "tool name must not be empty")
	}
	if tool.Handler == nil {
		return fault.New(fault.InvalidContract, "tool %s has no handler", tool.Name)
	}
	if existing, ok := tx.tools[tool.Name]; ok {
		owner := "built-in tools"
		if existing.Owner != "" {
			owner = "extension " + existing.Owner
		}
		return fault.New(fault.NameCollision, "tool %s is already provided by %s", tool.Name, owner)
	}
	tx.tools[tool.Name] = tool
	return nil
}

// Remove deletes name and reports whether it existed.
func (tx *Tx) Remove(name string) bool {
	_, ok := tx.tools[name]
	delete(tx.tools, name)
	return ok
}

// RemoveOwner deletes every tool contributed by owner and returns their names.
func (tx *Tx) RemoveOwner(owner string) []string {
	var removed []string
	for name, tool := range tx.tools {
		if owner != "" && tool.Owner == owner {
			removed = append(removed, name)
			delete(tx.tools, name)
		}
	}
	sort.Strings(removed)
	return removed
}
