package doctype

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dyluth/folio/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Pattern matches bundle files below the document types directory.
const Pattern = "**/*.{yml,yaml}"

// debounceDelay collapses bursts of editor writes into one reload.
const debounceDelay = 300 * time.Millisecond

// Registry holds the loaded document types. It is safe for concurrent use.
type Registry struct {
	dir string

	mu    sync.RWMutex
	types map[string]*Type
}

// LoadDir discovers and validates every bundle below dir. Any invalid bundle
// or duplicate name fails the whole load.
func LoadDir(dir string) (map[string]*Type, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("document types directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document types path %s is not a directory", dir)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), Pattern)
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}

	types := make(map[string]*Type, len(matches))
	for _, rel := range matches {
		t, err := LoadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		if prev, dup := types[t.Name]; dup {
			return nil, fmt.Errorf("document type %q is defined in both %s and %s", t.Name, prev.Source, t.Source)
		}
		types[t.Name] = t
	}
	return types, nil
}

// NewRegistry loads every bundle below dir.
func NewRegistry(dir string) (*Registry, error) {
	types, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return &Registry{dir: dir, types: types}, nil
}

// NewStaticRegistry wraps already loaded types. It cannot be reloaded.
func NewStaticRegistry(types ...*Type) *Registry {
	r := &Registry{types: make(map[string]*Type, len(types))}
	for _, t := range types {
		r.types[t.Name] = t
	}
	return r
}

// Get returns a document type by name.
func (r *Registry) Get(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// List returns every document type sorted by name.
func (r *Registry) List() []*Type {
	r.mu.RLock()
	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sortTypes(out)
	return out
}

// Reload re-reads the directory. On failure the current set is kept.
// Stored documents may sit in any state of a loaded type, so a reload that
// removes a type or one of its states is rejected; that needs a restart.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return fmt.Errorf("registry has no directory to reload from")
	}
	types, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkRetained(r.types, types); err != nil {
		return err
	}
	r.types = types
	return nil
}

func checkRetained(current, next map[string]*Type) error {
	for name, old := range current {
		t, ok := next[name]
		if !ok {
			return fmt.Errorf("document type %s was removed", name)
		}
		for _, st := range old.Workflow.States {
			if _, ok := t.Workflow.State(st.Name); !ok {
				return fmt.Errorf("document type %s dropped state %s", name, st.Name)
			}
		}
	}
	return nil
}

// Watch reloads the registry whenever a file below the directory changes,
// until ctx is cancelled. Reload failures are logged and the last good set
// stays active.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return fmt.Errorf("registry has no directory to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	go r.watchLoop(ctx, w)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						logger.Warn(ctx, "failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
			} else {
				timer.Reset(debounceDelay)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn(ctx, "document type watcher error", "error", err)

		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				logger.Error(ctx, "document type reload failed, keeping previous set", "dir", r.dir, "error", err)
				continue
			}
			logger.Info(ctx, "document types reloaded", "dir", r.dir, "count", len(r.List()))
		}
	}
}
