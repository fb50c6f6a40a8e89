package health

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	status  Status
	since   time.Time
	changes int
}

// Monitor keeps the last status of every named unit and when its level last
// changed.
type Monitor struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMonitor returns an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{entries: make(map[string]*entry)}
}

// Update records status under name and reports the previous status and
// whether the level changed. The first update of a name counts as a change.
func (m *Monitor) Update(name string, status Status) (Status, bool) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		status.Since = status.Timestamp
		m.entries[name] = &entry{status: status, since: status.Timestamp}
		return Status{}, true
	}

	prev := e.status
	changed := prev.Status != status.Status
	if changed {
		e.since = status.Timestamp
		e.changes++
	}
	status.Since = e.since
	e.status = status
	return prev, changed
}

// Get returns the last status recorded under name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

// Changes returns how many times the level of name changed after its first
// update.
func (m *Monitor) Changes(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[name]; ok {
		return e.changes
	}
	return 0
}

// Snapshot returns every status, sorted by name.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.status)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Remove forgets name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
}

// Count returns how many units are tracked.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// AggregateHealth folds every tracked status into one named systemName.
func (m *Monitor) AggregateHealth(systemName string) Status {
	return Aggregate(systemName, m.Snapshot())
}
