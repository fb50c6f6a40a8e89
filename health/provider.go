package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Provider is anything that can report its own health on demand.
type Provider interface {
	Status() Status
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() Status

// Status calls f.
func (f ProviderFunc) Status() Status { return f() }

// ChangeFunc is called when the level of a watched unit changes. prev is
// the zero Status on the first report.
type ChangeFunc func(name string, prev, cur Status)

// Registry polls a set of providers and keeps the results in a Monitor.
type Registry struct {
	monitor *Monitor

	mu        sync.RWMutex
	providers map[string]Provider
	onChange  ChangeFunc
}

// NewRegistry returns a registry backed by m. A nil m gets a fresh monitor.
func NewRegistry(m *Monitor) *Registry {
	if m == nil {
		m = NewMonitor()
	}
	return &Registry{monitor: m, providers: make(map[string]Provider)}
}

// Monitor returns the monitor holding the last refreshed statuses.
func (r *Registry) Monitor() *Monitor { return r.monitor }

// OnChange sets the function called on level changes found by Refresh.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Watch adds p under name, replacing any provider with the same name.
func (r *Registry) Watch(name string, p Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	r.monitor.Update(name, p.Status())
}

// Unwatch removes name from the registry and the monitor.
func (r *Registry) Unwatch(name string) {
	r.mu.Lock()
	delete(r.providers, name)
	r.mu.Unlock()
	r.monitor.Remove(name)
}

// Refresh asks every provider for its status and returns the aggregate.
func (r *Registry) Refresh(systemName string) Status {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	onChange := r.onChange
	r.mu.RUnlock()

	for name, p := range providers {
		cur := p.Status()
		prev, changed := r.monitor.Update(name, cur)
		if changed && onChange != nil && prev.Status != "" {
			cur, _ = r.monitor.Get(name)
			onChange(name, prev, cur)
		}
	}
	return r.monitor.AggregateHealth(systemName)
}

// Handler serves the aggregate health as JSON: 200 when healthy or degraded,
// 503 otherwise.
func Handler(r *Registry, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := r.Refresh(systemName)
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
