package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/verba-ai/verba/internal/logger"
)

const probeTimeout = time.Second

// Registry holds the configured adapters and resolves which one serves a
// turn. The mock adapter is always registered so resolution cannot come up
// empty.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
	logger      *logger.Logger
}

func NewRegistry(defaultName string, log *logger.Logger) *Registry {
	r := &Registry{
		adapters:    make(map[string]Adapter),
		defaultName: defaultName,
		logger:      log.WithComponent("provider"),
	}
	r.Register(NewMockAdapter())
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the named adapter without probing it.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// DefaultName returns the configured default provider name.
func (r *Registry) DefaultName() string { return r.defaultName }

// Resolve picks the adapter for a turn: the preferred name when registered,
// else the default, else the mock. No connection probe is made here; stream
// startup failures surface through the normal error path.
func (r *Registry) Resolve(preferred string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.adapters[preferred]; ok {
		return a
	}
	if a, ok := r.adapters[r.defaultName]; ok {
		return a
	}
	return r.adapters["mock"]
}

// GetWorking resolves like Resolve but probes each candidate first, moving
// on when the probe fails. Used by non-latency-critical paths such as the
// summariser.
func (r *Registry) GetWorking(ctx context.Context, preferred string) Adapter {
	for _, name := range []string{preferred, r.defaultName} {
		if name == "" {
			continue
		}
		a, ok := r.Get(name)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := a.TestConnection(probeCtx)
		cancel()
		if err == nil {
			return a
		}
		r.logger.WithContext(ctx).Warn("provider probe failed",
			slog.String("provider", name),
			slog.String("error", err.Error()))
	}

	a, _ := r.Get("mock")
	return a
}
