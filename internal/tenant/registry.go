package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry serves resolved tenants from a directory of YAML documents.
// Load replaces the whole map atomically, so in-flight queries keep the
// tenant they started with while new queries see the fresh config.
type Registry struct {
	dir     string
	factory Factory
	logger  *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewRegistry builds a registry over a config directory. A nil factory
// uses the default adapter dispatch.
func NewRegistry(dir string, factory Factory, logger *slog.Logger) *Registry {
	return &Registry{
		dir:     dir,
		factory: factory,
		logger:  logger.With("component", "tenant-registry"),
		tenants: map[string]*Tenant{},
	}
}

// Load scans the directory and resolves every *.yaml document. The
// in-memory set is swapped only when every document resolves; a broken
// file keeps the previous generation serving.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("tenant config dir: %w", err)
	}

	next := map[string]*Tenant{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(r.dir, name)
		doc, err := LoadDocument(path)
		if err != nil {
			return err
		}
		t, err := Resolve(doc, r.factory, r.logger)
		if err != nil {
			return err
		}
		if _, dup := next[t.ID]; dup {
			return fmt.Errorf("tenant %s declared by more than one file", t.ID)
		}
		next[t.ID] = t
		r.logger.Info("loaded tenant", "tenant", t.ID, "sources", len(t.Sources), "file", name)
	}

	r.mu.Lock()
	r.tenants = next
	r.mu.Unlock()
	r.logger.Info("tenant registry loaded", "tenants", len(next))
	return nil
}

// Get returns a tenant by id.
func (r *Registry) Get(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	return t, ok
}

// IDs returns the registered tenant ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch reloads the registry when config files change, until ctx ends.
// Events are debounced; editors tend to emit bursts of writes per save.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch tenant configs: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		reload := func() {
			if err := r.Load(); err != nil {
				r.logger.Error("tenant reload failed, keeping previous configs", "error", err)
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("tenant config watcher error", "error", err)
			}
		}
	}()
	return nil
}
