// Package storage holds the performance-data payloads produced for graphing
// and metric sinks.
package storage

import (
	"time"

	"github.com/c360/bbdobroker/event"
)

const (
	ElementMetric      uint16 = 1
	ElementRebuild     uint16 = 2
	ElementRemoveGraph uint16 = 3
	ElementStatus      uint16 = 4
)

var (
	TypeMetric      = event.MakeType(event.CategoryStorage, ElementMetric)
	TypeRebuild     = event.MakeType(event.CategoryStorage, ElementRebuild)
	TypeRemoveGraph = event.MakeType(event.CategoryStorage, ElementRemoveGraph)
	TypeStatus      = event.MakeType(event.CategoryStorage, ElementStatus)
)

// Register adds the storage payloads to r.
func Register(r *event.Registry) error {
	if err := r.Register(TypeMetric, "storage:metric", func() event.Payload { return &Metric{} }); err != nil {
		return err
	}
	if err := r.Register(TypeRebuild, "storage:rebuild", func() event.Payload { return &Rebuild{} }); err != nil {
		return err
	}
	if err := r.Register(TypeRemoveGraph, "storage:remove_graph", func() event.Payload { return &RemoveGraph{} }); err != nil {
		return err
	}
	return r.Register(TypeStatus, "storage:status", func() event.Payload { return &Status{} })
}

// Metric is one perfdata sample.
type Metric struct {
	MetricID     uint32
	CTime        time.Time
	Interval     uint32
	Name         string
	Value        float64
	ValueType    int16
	HostID       uint32
	ServiceID    uint32
	RRDLength    uint32
	IsForRebuild bool
}

func (*Metric) Type() event.Type { return TypeMetric }

func (m *Metric) EncodeFields(e *event.Encoder) {
	e.Uint32(m.MetricID)
	e.Time(m.CTime)
	e.Uint32(m.Interval)
	e.Str(m.Name)
	e.Float64(m.Value)
	e.Uint16(uint16(m.ValueType))
	e.Uint32(m.HostID)
	e.Uint32(m.ServiceID)
	e.Uint32(m.RRDLength)
	e.Bool(m.IsForRebuild)
}

func (m *Metric) DecodeFields(d *event.Decoder) error {
	m.MetricID = d.Uint32()
	m.CTime = d.Time()
	m.Interval = d.Uint32()
	m.Name = d.Str()
	m.Value = d.Float64()
	m.ValueType = int16(d.Uint16())
	m.HostID = d.Uint32()
	m.ServiceID = d.Uint32()
	m.RRDLength = d.Uint32()
	m.IsForRebuild = d.Bool()
	return d.Err()
}

// Status is the state sample graphed for one index.
type Status struct {
	IndexID      uint32
	CTime        time.Time
	Interval     uint32
	State        int16
	RRDLength    uint32
	IsForRebuild bool
}

func (*Status) Type() event.Type { return TypeStatus }

func (s *Status) EncodeFields(e *event.Encoder) {
	e.Uint32(s.IndexID)
	e.Time(s.CTime)
	e.Uint32(s.Interval)
	e.Uint16(uint16(s.State))
	e.Uint32(s.RRDLength)
	e.Bool(s.IsForRebuild)
}

func (s *Status) DecodeFields(d *event.Decoder) error {
	s.IndexID = d.Uint32()
	s.CTime = d.Time()
	s.Interval = d.Uint32()
	s.State = int16(d.Uint16())
	s.RRDLength = d.Uint32()
	s.IsForRebuild = d.Bool()
	return d.Err()
}

// Rebuild asks graph writers to rebuild the given index.
type Rebuild struct {
	IndexID uint32
	End     bool
	IsIndex bool
}

func (*Rebuild) Type() event.Type { return TypeRebuild }

func (r *Rebuild) EncodeFields(e *event.Encoder) {
	e.Uint32(r.IndexID)
	e.Bool(r.End)
	e.Bool(r.IsIndex)
}

func (r *Rebuild) DecodeFields(d *event.Decoder) error {
	r.IndexID = d.Uint32()
	r.End = d.Bool()
	r.IsIndex = d.Bool()
	return d.Err()
}

// RemoveGraph deletes the graph files of an index or metric.
type RemoveGraph struct {
	ID      uint32
	IsIndex bool
}

func (*RemoveGraph) Type() event.Type { return TypeRemoveGraph }

func (r *RemoveGraph) EncodeFields(e *event.Encoder) {
	e.Uint32(r.ID)
	e.Bool(r.IsIndex)
}

func (r *RemoveGraph) DecodeFields(d *event.Decoder) error {
	r.ID = d.Uint32()
	r.IsIndex = d.Bool()
	return d.Err()
}
