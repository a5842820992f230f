package extension

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads loaded extensions when their files change on disk.
// Extensions that are not loaded are never loaded by the watcher.
type Watcher struct {
	reg      *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	// OnReload, when set, is called after each attempted reload.
	OnReload func(name string, err error)

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	watched map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher watches reg's sandbox directory.
func NewWatcher(reg *Registry, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		reg:      reg,
		watcher:  fw,
		debounce: debounce,
		pending:  make(map[string]bool),
		watched:  make(map[string]bool),
	}, nil
}

// Start begins watching. The sandbox directory must exist.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.add(w.reg.Dir()); err != nil {
		return err
	}
	// Directory extensions keep their manifest one level down.
	entries, _ := os.ReadDir(w.reg.Dir())
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			_ = w.add(filepath.Join(w.reg.Dir(), e.Name()))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	logger := w.reg.logger

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() && filepath.Dir(event.Name) == w.reg.Dir() {
					_ = w.add(event.Name)
				}
			}
			if name, ok := w.unitName(event.Name); ok {
				w.schedule(ctx, name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("extension watch error", "error", err)
		}
	}
}

// unitName maps a changed path to the extension it belongs to.
func (w *Watcher) unitName(p string) (string, bool) {
	rel, err := filepath.Rel(w.reg.Dir(), p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if strings.HasPrefix(top, ".") {
		return "", false
	}
	return NameFromPath(top), true
}

func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[name] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	names := make([]string, 0, len(w.pending))
	for n := range w.pending {
		names = append(names, n)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if !w.reg.Loaded(name) {
			continue
		}
		_, err := w.reg.Reload(ctx, name)
		if err != nil {
			w.reg.logger.Warn("hot reload failed", "extension", name, "error", err)
		} else {
			w.reg.logger.Info("hot reloaded", "extension", name)
		}
		if w.OnReload != nil {
			w.OnReload(name, err)
		}
	}
}
