// Package neb holds the monitoring-engine event payloads: host and service
// states, acknowledgements, comments, log lines and poller instances.
package neb

import (
	"time"

	"github.com/c360/bbdobroker/event"
)

// Element numbers within the NEB category.
const (
	ElementAcknowledgement uint16 = 1
	ElementComment         uint16 = 2
	ElementDowntime        uint16 = 5
	ElementHostStatus      uint16 = 14
	ElementInstance        uint16 = 15
	ElementLogEntry        uint16 = 17
	ElementServiceStatus   uint16 = 24
)

// Event types of the NEB category.
var (
	TypeAcknowledgement = event.MakeType(event.CategoryNEB, ElementAcknowledgement)
	TypeComment         = event.MakeType(event.CategoryNEB, ElementComment)
	TypeDowntime        = event.MakeType(event.CategoryNEB, ElementDowntime)
	TypeHostStatus      = event.MakeType(event.CategoryNEB, ElementHostStatus)
	TypeInstance        = event.MakeType(event.CategoryNEB, ElementInstance)
	TypeLogEntry        = event.MakeType(event.CategoryNEB, ElementLogEntry)
	TypeServiceStatus   = event.MakeType(event.CategoryNEB, ElementServiceStatus)
)

// Register adds every NEB payload to r.
func Register(r *event.Registry) error {
	for _, e := range []struct {
		t    event.Type
		name string
		f    event.Factory
	}{
		{TypeAcknowledgement, "neb:acknowledgement", func() event.Payload { return &Acknowledgement{} }},
		{TypeComment, "neb:comment", func() event.Payload { return &Comment{} }},
		{TypeDowntime, "neb:downtime", func() event.Payload { return &Downtime{} }},
		{TypeHostStatus, "neb:host_status", func() event.Payload { return &HostStatus{} }},
		{TypeInstance, "neb:instance", func() event.Payload { return &Instance{} }},
		{TypeLogEntry, "neb:log_entry", func() event.Payload { return &LogEntry{} }},
		{TypeServiceStatus, "neb:service_status", func() event.Payload { return &ServiceStatus{} }},
	} {
		if err := r.Register(e.t, e.name, e.f); err != nil {
			return err
		}
	}
	return nil
}

// HostStatus is the periodic state of one host.
type HostStatus struct {
	HostID             uint32
	State              int16
	StateType          int16
	CurrentAttempt     int16
	Output             string
	PerfData           string
	Acknowledged       bool
	InDowntime         bool
	LastCheck          time.Time
	NextCheck          time.Time
	LastStateChange    time.Time
	Latency            float64
	ExecutionTime      float64
	PercentStateChange float64
}

func (*HostStatus) Type() event.Type { return TypeHostStatus }

func (h *HostStatus) EncodeFields(e *event.Encoder) {
	e.Uint32(h.HostID)
	e.Uint16(uint16(h.State))
	e.Uint16(uint16(h.StateType))
	e.Uint16(uint16(h.CurrentAttempt))
	e.Str(h.Output)
	e.Str(h.PerfData)
	e.Bool(h.Acknowledged)
	e.Bool(h.InDowntime)
	e.Time(h.LastCheck)
	e.Time(h.NextCheck)
	e.Time(h.LastStateChange)
	e.Float64(h.Latency)
	e.Float64(h.ExecutionTime)
	e.Float64(h.PercentStateChange)
}

func (h *HostStatus) DecodeFields(d *event.Decoder) error {
	h.HostID = d.Uint32()
	h.State = int16(d.Uint16())
	h.StateType = int16(d.Uint16())
	h.CurrentAttempt = int16(d.Uint16())
	h.Output = d.Str()
	h.PerfData = d.Str()
	h.Acknowledged = d.Bool()
	h.InDowntime = d.Bool()
	h.LastCheck = d.Time()
	h.NextCheck = d.Time()
	h.LastStateChange = d.Time()
	h.Latency = d.Float64()
	h.ExecutionTime = d.Float64()
	h.PercentStateChange = d.Float64()
	return d.Err()
}

// ServiceStatus is the periodic state of one service.
type ServiceStatus struct {
	HostID          uint32
	ServiceID       uint32
	State           int16
	StateType       int16
	CurrentAttempt  int16
	Output          string
	PerfData        string
	Acknowledged    bool
	InDowntime      bool
	LastCheck       time.Time
	NextCheck       time.Time
	LastStateChange time.Time
	Latency         float64
	ExecutionTime   float64
}

func (*ServiceStatus) Type() event.Type { return TypeServiceStatus }

func (s *ServiceStatus) EncodeFields(e *event.Encoder) {
	e.Uint32(s.HostID)
	e.Uint32(s.ServiceID)
	e.Uint16(uint16(s.State))
	e.Uint16(uint16(s.StateType))
	e.Uint16(uint16(s.CurrentAttempt))
	e.Str(s.Output)
	e.Str(s.PerfData)
	e.Bool(s.Acknowledged)
	e.Bool(s.InDowntime)
	e.Time(s.LastCheck)
	e.Time(s.NextCheck)
	e.Time(s.LastStateChange)
	e.Float64(s.Latency)
	e.Float64(s.ExecutionTime)
}

func (s *ServiceStatus) DecodeFields(d *event.Decoder) error {
	s.HostID = d.Uint32()
	s.ServiceID = d.Uint32()
	s.State = int16(d.Uint16())
	s.StateType = int16(d.Uint16())
	s.CurrentAttempt = int16(d.Uint16())
	s.Output = d.Str()
	s.PerfData = d.Str()
	s.Acknowledged = d.Bool()
	s.InDowntime = d.Bool()
	s.LastCheck = d.Time()
	s.NextCheck = d.Time()
	s.LastStateChange = d.Time()
	s.Latency = d.Float64()
	s.ExecutionTime = d.Float64()
	return d.Err()
}

// Acknowledgement records an operator acknowledging a problem. ServiceID is 0
// for host acknowledgements.
type Acknowledgement struct {
	HostID            uint32
	ServiceID         uint32
	Author            string
	Comment           string
	EntryTime         time.Time
	DeletionTime      time.Time
	State             int16
	Sticky            bool
	NotifyContacts    bool
	PersistentComment bool
}

func (*Acknowledgement) Type() event.Type { return TypeAcknowledgement }

func (a *Acknowledgement) EncodeFields(e *event.Encoder) {
	e.Uint32(a.HostID)
	e.Uint32(a.ServiceID)
	e.Str(a.Author)
	e.Str(a.Comment)
	e.Time(a.EntryTime)
	e.Time(a.DeletionTime)
	e.Uint16(uint16(a.State))
	e.Bool(a.Sticky)
	e.Bool(a.NotifyContacts)
	e.Bool(a.PersistentComment)
}

func (a *Acknowledgement) DecodeFields(d *event.Decoder) error {
	a.HostID = d.Uint32()
	a.ServiceID = d.Uint32()
	a.Author = d.Str()
	a.Comment = d.Str()
	a.EntryTime = d.Time()
	a.DeletionTime = d.Time()
	a.State = int16(d.Uint16())
	a.Sticky = d.Bool()
	a.NotifyContacts = d.Bool()
	a.PersistentComment = d.Bool()
	return d.Err()
}

// Comment is a free-text note attached to a host or service.
type Comment struct {
	HostID       uint32
	ServiceID    uint32
	InternalID   uint64
	Author       string
	Data         string
	EntryTime    time.Time
	DeletionTime time.Time
	Persistent   bool
}

func (*Comment) Type() event.Type { return TypeComment }

func (c *Comment) EncodeFields(e *event.Encoder) {
	e.Uint32(c.HostID)
	e.Uint32(c.ServiceID)
	e.Uint64(c.InternalID)
	e.Str(c.Author)
	e.Str(c.Data)
	e.Time(c.EntryTime)
	e.Time(c.DeletionTime)
	e.Bool(c.Persistent)
}

func (c *Comment) DecodeFields(d *event.Decoder) error {
	c.HostID = d.Uint32()
	c.ServiceID = d.Uint32()
	c.InternalID = d.Uint64()
	c.Author = d.Str()
	c.Data = d.Str()
	c.EntryTime = d.Time()
	c.DeletionTime = d.Time()
	c.Persistent = d.Bool()
	return d.Err()
}

// Downtime is a scheduled maintenance window.
type Downtime struct {
	HostID     uint32
	ServiceID  uint32
	InternalID uint64
	Author     string
	Comment    string
	StartTime  time.Time
	EndTime    time.Time
	Duration   int64
	Fixed      bool
	Cancelled  bool
	Started    bool
}

func (*Downtime) Type() event.Type { return TypeDowntime }

func (dt *Downtime) EncodeFields(e *event.Encoder) {
	e.Uint32(dt.HostID)
	e.Uint32(dt.ServiceID)
	e.Uint64(dt.InternalID)
	e.Str(dt.Author)
	e.Str(dt.Comment)
	e.Time(dt.StartTime)
	e.Time(dt.EndTime)
	e.Int64(dt.Duration)
	e.Bool(dt.Fixed)
	e.Bool(dt.Cancelled)
	e.Bool(dt.Started)
}

func (dt *Downtime) DecodeFields(d *event.Decoder) error {
	dt.HostID = d.Uint32()
	dt.ServiceID = d.Uint32()
	dt.InternalID = d.Uint64()
	dt.Author = d.Str()
	dt.Comment = d.Str()
	dt.StartTime = d.Time()
	dt.EndTime = d.Time()
	dt.Duration = d.Int64()
	dt.Fixed = d.Bool()
	dt.Cancelled = d.Bool()
	dt.Started = d.Bool()
	return d.Err()
}

// LogEntry is one line of the monitoring engine log.
type LogEntry struct {
	CTime       time.Time
	HostID      uint32
	ServiceID   uint32
	HostName    string
	ServiceDesc string
	MsgType     int32
	Status      int32
	Retry       int32
	Output      string
}

func (*LogEntry) Type() event.Type { return TypeLogEntry }

func (l *LogEntry) EncodeFields(e *event.Encoder) {
	e.Time(l.CTime)
	e.Uint32(l.HostID)
	e.Uint32(l.ServiceID)
	e.Str(l.HostName)
	e.Str(l.ServiceDesc)
	e.Int32(l.MsgType)
	e.Int32(l.Status)
	e.Int32(l.Retry)
	e.Str(l.Output)
}

func (l *LogEntry) DecodeFields(d *event.Decoder) error {
	l.CTime = d.Time()
	l.HostID = d.Uint32()
	l.ServiceID = d.Uint32()
	l.HostName = d.Str()
	l.ServiceDesc = d.Str()
	l.MsgType = d.Int32()
	l.Status = d.Int32()
	l.Retry = d.Int32()
	l.Output = d.Str()
	return d.Err()
}

// Instance announces a poller starting or stopping.
type Instance struct {
	PollerID  uint32
	Name      string
	Engine    string
	Version   string
	PID       uint32
	Running   bool
	StartTime time.Time
	EndTime   time.Time
}

func (*Instance) Type() event.Type { return TypeInstance }

func (i *Instance) EncodeFields(e *event.Encoder) {
	e.Uint32(i.PollerID)
	e.Str(i.Name)
	e.Str(i.Engine)
	e.Str(i.Version)
	e.Uint32(i.PID)
	e.Bool(i.Running)
	e.Time(i.StartTime)
	e.Time(i.EndTime)
}

func (i *Instance) DecodeFields(d *event.Decoder) error {
	i.PollerID = d.Uint32()
	i.Name = d.Str()
	i.Engine = d.Str()
	i.Version = d.Str()
	i.PID = d.Uint32()
	i.Running = d.Bool()
	i.StartTime = d.Time()
	i.EndTime = d.Time()
	return d.Err()
}
