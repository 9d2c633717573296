package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/apigw/internal/observability"
)

// routeFile is the on-disk shape of a route table.
type routeFile struct {
	Routes []*RouteDefinition `yaml:"routes"`
}

// FileRegistry is a RouteRegistry backed by a YAML file. The file is
// reloaded automatically when it changes on disk.
type FileRegistry struct {
	*MemoryRegistry

	path   string
	logger observability.Logger
}

// FileRegistryOption is a functional option for the file registry.
type FileRegistryOption func(*FileRegistry)

// WithFileRegistryLogger sets the logger for the file registry.
func WithFileRegistryLogger(logger observability.Logger) FileRegistryOption {
	return func(r *FileRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewFileRegistry loads the route table from a YAML file.
func NewFileRegistry(path string, opts ...FileRegistryOption) (*FileRegistry, error) {
	memory, err := NewMemoryRegistry()
	if err != nil {
		return nil, err
	}

	r := &FileRegistry{
		MemoryRegistry: memory,
		path:           path,
		logger:         observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.load(); err != nil {
		return nil, err
	}

	return r, nil
}

// load parses the route file and replaces the in-memory table.
func (r *FileRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read route file: %w", err)
	}

	var file routeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse route file: %w", err)
	}

	if err := r.Replace(file.Routes); err != nil {
		return err
	}

	r.logger.Info("route table loaded",
		observability.String("path", r.path),
		observability.Int("routes", len(file.Routes)))

	return nil
}

// Watch reloads the route table whenever the file changes. It blocks
// until the context is cancelled, so run it in its own goroutine. A
// reload that fails to parse keeps the previous table.
func (r *FileRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch route file: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !r.isRouteFileEvent(event) {
				continue
			}
			if err := r.load(); err != nil {
				r.logger.Error("route table reload failed, keeping previous table",
					observability.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("route file watcher error", observability.Error(err))
		}
	}
}

// isRouteFileEvent reports whether the event is a content change of
// the registry's file.
func (r *FileRegistry) isRouteFileEvent(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Clean(event.Name), filepath.Clean(r.path)) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}
