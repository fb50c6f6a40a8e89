package health

import (
	"sort"
	"strings"
	"time"
)

// Status levels.
const (
	LevelHealthy   = "healthy"
	LevelDegraded  = "degraded"
	LevelUnhealthy = "unhealthy"
)

func newStatus(component, level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == LevelHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy returns a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, LevelHealthy, message)
}

// NewUnhealthy returns an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, LevelUnhealthy, message)
}

// NewDegraded returns a degraded status. A failover chain running on a
// secondary is degraded: events flow, but not where they should.
func NewDegraded(component, message string) Status {
	return newStatus(component, LevelDegraded, message)
}

// Aggregate folds sub-statuses into one. The worst level wins and the
// message names the units at that level. Sub-statuses are copied and sorted
// by component so repeated snapshots compare equal.
func Aggregate(component string, subStatuses []Status) Status {
	subs := make([]Status, len(subStatuses))
	copy(subs, subStatuses)
	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })

	var unhealthy, degraded []string
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy = append(unhealthy, sub.Component)
		case sub.IsDegraded():
			degraded = append(degraded, sub.Component)
		}
	}

	var status Status
	switch {
	case len(unhealthy) > 0:
		status = NewUnhealthy(component, "unhealthy: "+strings.Join(unhealthy, ", "))
	case len(degraded) > 0:
		status = NewDegraded(component, "degraded: "+strings.Join(degraded, ", "))
	case len(subs) == 0:
		status = NewHealthy(component, "nothing to report")
	default:
		status = NewHealthy(component, "all units healthy")
	}
	if len(subs) > 0 {
		status.SubStatuses = subs
	}
	return status
}
