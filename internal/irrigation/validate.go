package irrigation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Limits bounds what a schedule may ask for.
type Limits struct {
	MinDuration int // minutes
	MaxDuration int // minutes
	MaxSlots    int
}

func DefaultLimits() Limits {
	return Limits{MinDuration: 1, MaxDuration: 360, MaxSlots: 50}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MinDuration <= 0 {
		l.MinDuration = d.MinDuration
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = d.MaxDuration
	}
	if l.MaxSlots <= 0 {
		l.MaxSlots = d.MaxSlots
	}
	return l
}

// Validate reports every problem with s in one error wrapping ErrInvalidSchedule.
// Weekday lists are not checked here; a slot without valid days is skipped
// at compile time.
func Validate(s Schedule, lim Limits) error {
	lim = lim.withDefaults()
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(s.Name) == "" {
		add("name is required")
	}
	switch s.TargetKind {
	case TargetDevice, TargetGroup:
	default:
		add("target kind %q must be %q or %q", s.TargetKind, TargetDevice, TargetGroup)
	}
	switch s.EventType {
	case "", EventP1, EventP2, EventManual:
	default:
		add("event type %q is not p1, p2 or manual", s.EventType)
	}
	if len(s.Slots) > lim.MaxSlots {
		add("%d time slots exceeds limit of %d", len(s.Slots), lim.MaxSlots)
	}
	for i, sl := range s.Slots {
		if sl.Hour < 0 || sl.Hour > 23 || sl.Minute < 0 || sl.Minute > 59 {
			add("slot %d: start %02d:%02d is not a valid time", i, sl.Hour, sl.Minute)
		}
		if sl.DurationMinutes < lim.MinDuration || sl.DurationMinutes > lim.MaxDuration {
			add("slot %d: duration %d outside %d..%d minutes", i, sl.DurationMinutes, lim.MinDuration, lim.MaxDuration)
		}
	}
	for i, c := range s.Conditions {
		if strings.TrimSpace(c.EntityID) == "" {
			add("condition %d: entity is required", i)
		}
		if !c.Kind.Valid() {
			add("condition %d: kind %q must be state or numeric", i, c.Kind)
		}
		if !c.Operator.Valid() {
			add("condition %d: %w %q", i, ErrUnknownOperator, c.Operator)
			continue
		}
		if c.Kind == KindNumeric && c.Operator != OpContains {
			if _, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64); err != nil {
				add("condition %d: value %q is not numeric", i, c.Value)
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSchedule, errors.Join(errs...))
}
