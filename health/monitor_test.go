package health

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUpdateTracksTransitions(t *testing.T) {
	m := NewMonitor()
	t0 := time.Now()

	_, changed := m.Update("central", Status{Status: LevelHealthy, Timestamp: t0})
	assert.True(t, changed, "first report is a change")

	prev, changed := m.Update("central", Status{Status: LevelHealthy, Timestamp: t0.Add(time.Second)})
	assert.False(t, changed)
	assert.Equal(t, t0, prev.Timestamp)

	t2 := t0.Add(2 * time.Second)
	prev, changed = m.Update("central", Status{Status: LevelDegraded, Timestamp: t2})
	assert.True(t, changed)
	assert.Equal(t, LevelHealthy, prev.Status)
	assert.Equal(t, t0, prev.Since)

	_, _ = m.Update("central", Status{Status: LevelDegraded, Timestamp: t2.Add(time.Second)})
	got, ok := m.Get("central")
	require.True(t, ok)
	assert.Equal(t, "central", got.Component, "the name is stamped on the status")
	assert.Equal(t, t2, got.Since, "since stays at the last level change")
	assert.Equal(t, 1, m.Changes("central"))
}

func TestMonitorUpdateStampsTimestamp(t *testing.T) {
	m := NewMonitor()
	m.Update("central", Status{Status: LevelHealthy})

	got, ok := m.Get("central")
	require.True(t, ok)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, got.Timestamp, got.Since)
}

func TestMonitorSnapshotAndRemove(t *testing.T) {
	m := NewMonitor()
	m.Update("spool", NewHealthy("", "streaming"))
	m.Update("central", NewDegraded("", "failed_over"))
	m.Update("pollers", NewHealthy("", "accepting"))

	var names []string
	for _, s := range m.Snapshot() {
		names = append(names, s.Component)
	}
	assert.Equal(t, []string{"central", "pollers", "spool"}, names)

	m.Remove("central")
	assert.Equal(t, 2, m.Count())
	_, ok := m.Get("central")
	assert.False(t, ok)
	assert.Zero(t, m.Changes("central"))
	assert.True(t, m.AggregateHealth("broker").IsHealthy())
}

func TestMonitorConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("unit-%d", i)
			for j := range 100 {
				if j%2 == 0 {
					m.Update(name, NewHealthy(name, "streaming"))
				} else {
					m.Update(name, NewDegraded(name, "failed_over"))
				}
				_ = m.AggregateHealth("broker")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, m.Count())
	for i := range 8 {
		assert.Equal(t, 99, m.Changes(fmt.Sprintf("unit-%d", i)))
	}
}
