package irrigation

import "time"

type TargetKind string

const (
	TargetDevice TargetKind = "device"
	TargetGroup  TargetKind = "group"
)

// EventType tags where a schedule came from. It is carried into run history.
type EventType string

const (
	EventP1     EventType = "p1"
	EventP2     EventType = "p2"
	EventManual EventType = "manual"
)

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

type ConditionKind string

const (
	KindState   ConditionKind = "state"
	KindNumeric ConditionKind = "numeric"
)

// Device is a single valve (a solenoid behind a switch entity).
type Device struct {
	ID       int64
	EntityID string
	Name     string
	Active   bool

	// SequenceOrder positions the device inside a sequential group. Nil sorts last.
	SequenceOrder *int
	// ZoneMinutes overrides the slot duration for this device when > 0.
	ZoneMinutes int

	GroupIDs []int64
}

type Group struct {
	ID         int64
	Name       string
	Active     bool
	Sequential bool
	Members    []Device
}

type TimeSlot struct {
	ID              int64
	Hour            int
	Minute          int
	DurationMinutes int
	// Days is the comma separated weekday list, e.g. "MON,WED,FRI".
	Days string
}

func (s TimeSlot) Duration() time.Duration {
	return durationMinutes(s.DurationMinutes)
}

func durationMinutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

type Condition struct {
	ID       int64
	EntityID string
	Kind     ConditionKind
	Operator Operator
	Value    string
}

// Schedule is a hydrated snapshot handed to the engine per call. The engine
// never writes it back.
type Schedule struct {
	ID         int64
	Name       string
	TargetKind TargetKind
	TargetID   int64
	Enabled    bool
	Priority   int
	EventType  EventType
	Slots      []TimeSlot
	Conditions []Condition

	// Exactly one of Device or Group is set, matching TargetKind.
	Device *Device
	Group  *Group
}

// Target is one resolved valve with the time it runs for in a sequential walk.
type Target struct {
	DeviceID int64
	EntityID string
	Duration time.Duration
}
