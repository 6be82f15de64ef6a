// Package registry maps executor_ref values to executor factories.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/taskflow/pkg/protocol"
)

// ErrExecutorNotFound is wrapped by ConfigurationError for unknown refs.
var ErrExecutorNotFound = errors.New("executor not found")

// ConfigurationError reports an executor_ref that cannot be served. It is never retried.
type ConfigurationError struct {
	Ref string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("executor %q: %v", e.Ref, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.ExecutorFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		factories: make(map[string]protocol.ExecutorFactory),
	}
}

// LoadExecutorPlugins opens every executors/**/*.so below pluginsPath and
// returns the factories exported as the "Executor" symbol.
func (r *Registry) LoadExecutorPlugins(pluginsPath string) ([]protocol.ExecutorFactory, error) {
	return loadPlugin[protocol.ExecutorFactory](r.logger, pluginsPath, "Executor")
}

func (r *Registry) Register(factory protocol.ExecutorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
}

// RegisterFunc registers fn under id without a schema.
func (r *Registry) RegisterFunc(id string, fn protocol.ExecutorFunc) {
	r.Register(&funcFactory{id: id, fn: fn})
}

// Resolve creates the executor for ref. Unknown refs and factory failures are
// returned as *ConfigurationError.
func (r *Registry) Resolve(ctx context.Context, ref string) (protocol.Executor, error) {
	factory, ok := r.Factory(ref)
	if !ok {
		return nil, &ConfigurationError{Ref: ref, Err: ErrExecutorNotFound}
	}

	executor, err := factory.Create(ctx)
	if err != nil {
		return nil, &ConfigurationError{Ref: ref, Err: err}
	}

	return executor, nil
}

func (r *Registry) Factory(ref string) (protocol.ExecutorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[ref]

	return factory, ok
}

// Factories returns every registered factory ordered by id.
func (r *Registry) Factories() []protocol.ExecutorFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ExecutorFactory, 0, len(r.factories))
	for _, factory := range r.factories {
		out = append(out, factory)
	}

	slices.SortFunc(out, func(a, b protocol.ExecutorFactory) int { return strings.Compare(a.ID(), b.ID()) })

	return out
}

// HealthCheck fails when no executor is registered.
func (r *Registry) HealthCheck(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.factories) == 0 {
		return errors.New("no executors registered")
	}

	return nil
}

type funcFactory struct {
	id string
	fn protocol.ExecutorFunc
}

func (f *funcFactory) Create(context.Context) (protocol.Executor, error) { return f.fn, nil }
func (f *funcFactory) ID() string                                        { return f.id }
func (f *funcFactory) Name() string                                      { return f.id }
func (f *funcFactory) Description() string                               { return "" }
func (f *funcFactory) Schema() map[string]any                            { return nil }

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, symbolName, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s symbol %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded executor plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
