package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	before := time.Now()

	tests := []struct {
		status  Status
		level   string
		healthy bool
	}{
		{NewHealthy("central", "streaming"), LevelHealthy, true},
		{NewDegraded("central", "failed_over"), LevelDegraded, false},
		{NewUnhealthy("central", "retrying"), LevelUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, "central", tt.status.Component)
			assert.Equal(t, tt.level, tt.status.Status)
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.False(t, tt.status.Timestamp.Before(before))
			assert.Empty(t, tt.status.SubStatuses)
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		subs    []Status
		level   string
		message string
	}{
		{
			name:    "empty",
			level:   LevelHealthy,
			message: "nothing to report",
		},
		{
			name: "all healthy",
			subs: []Status{
				NewHealthy("pollers", "accepting"),
				NewHealthy("central", "streaming"),
			},
			level:   LevelHealthy,
			message: "all units healthy",
		},
		{
			name: "degraded names the units",
			subs: []Status{
				NewDegraded("rrd", "failed_over"),
				NewHealthy("pollers", "accepting"),
				NewDegraded("central", "failed_over"),
			},
			level:   LevelDegraded,
			message: "degraded: central, rrd",
		},
		{
			name: "unhealthy wins over degraded",
			subs: []Status{
				NewDegraded("central", "failed_over"),
				NewUnhealthy("bus", "retrying"),
			},
			level:   LevelUnhealthy,
			message: "unhealthy: bus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate("broker", tt.subs)
			assert.Equal(t, "broker", agg.Component)
			assert.Equal(t, tt.level, agg.Status)
			assert.Equal(t, tt.message, agg.Message)
			assert.Len(t, agg.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregateSortsCopy(t *testing.T) {
	subs := []Status{
		NewHealthy("spool", "streaming"),
		NewHealthy("central", "streaming"),
	}

	agg := Aggregate("broker", subs)
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "central", agg.SubStatuses[0].Component)
	assert.Equal(t, "spool", agg.SubStatuses[1].Component)

	assert.Equal(t, "spool", subs[0].Component, "input order is left alone")
	agg.SubStatuses[0].Message = "changed"
	assert.Equal(t, "streaming", subs[1].Message)
}
