package irrigation

import (
	"errors"
	"sort"
)

var ErrNoTargets = errors.New("schedule has no active target devices")

// Resolution is the ordered list of valves a schedule drives.
type Resolution struct {
	Devices    []Device
	Sequential bool
}

// Resolve returns the active devices behind the schedule's target. Sequential
// groups are ordered by (SequenceOrder, ID) with unordered devices last.
func Resolve(s Schedule) (Resolution, error) {
	var res Resolution
	switch s.TargetKind {
	case TargetDevice:
		if s.Device != nil && s.Device.Active {
			res.Devices = []Device{*s.Device}
		}
	case TargetGroup:
		g := s.Group
		if g == nil || !g.Active {
			break
		}
		for _, d := range g.Members {
			if d.Active {
				res.Devices = append(res.Devices, d)
			}
		}
		res.Sequential = g.Sequential
		if res.Sequential {
			sort.SliceStable(res.Devices, func(i, j int) bool {
				return sequenceLess(res.Devices[i], res.Devices[j])
			})
		}
	}
	if len(res.Devices) == 0 {
		return Resolution{}, ErrNoTargets
	}
	return res, nil
}

func sequenceLess(a, b Device) bool {
	switch {
	case a.SequenceOrder == nil && b.SequenceOrder == nil:
	case a.SequenceOrder == nil:
		return false
	case b.SequenceOrder == nil:
		return true
	case *a.SequenceOrder != *b.SequenceOrder:
		return *a.SequenceOrder < *b.SequenceOrder
	}
	return a.ID < b.ID
}

// Targets binds the resolved devices to a slot. Each device runs for its own
// zone duration when set, else for the slot duration.
func (r Resolution) Targets(slot TimeSlot) []Target {
	out := make([]Target, 0, len(r.Devices))
	for _, d := range r.Devices {
		dur := slot.Duration()
		if d.ZoneMinutes > 0 {
			dur = durationMinutes(d.ZoneMinutes)
		}
		out = append(out, Target{DeviceID: d.ID, EntityID: d.EntityID, Duration: dur})
	}
	return out
}

func (r Resolution) EntityIDs() []string {
	out := make([]string, 0, len(r.Devices))
	for _, d := range r.Devices {
		out = append(out, d.EntityID)
	}
	return out
}
