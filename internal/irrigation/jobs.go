package irrigation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job identifiers are stable so recompiling a schedule replaces its triggers
// in place, and prefix-scoped so a schedule's whole family can be removed.

func SchedulePrefix(scheduleID int64) string {
	return "schedule-" + strconv.FormatInt(scheduleID, 10) + "-"
}

func JobID(scheduleID, slotID int64, a Action) string {
	return fmt.Sprintf("schedule-%d-slot-%d-%s", scheduleID, slotID, a)
}

// ManualStopID names the one-shot stop of a manual run. It never collides
// with a recurring job.
func ManualStopID(scheduleID, slotID int64, at time.Time) string {
	return fmt.Sprintf("manual-stop-%d-%d-%d", scheduleID, slotID, at.Unix())
}

func manualRunName(scheduleID int64) string {
	return fmt.Sprintf("manual-run-%d", scheduleID)
}

// ParseJobID splits a recurring job identifier. ok is false for anything else.
func ParseJobID(id string) (scheduleID, slotID int64, a Action, ok bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 5 || parts[0] != "schedule" || parts[2] != "slot" {
		return 0, 0, "", false
	}
	sid, err1 := strconv.ParseInt(parts[1], 10, 64)
	slot, err2 := strconv.ParseInt(parts[3], 10, 64)
	a = Action(parts[4])
	if err1 != nil || err2 != nil || (a != ActionStart && a != ActionStop) {
		return 0, 0, "", false
	}
	return sid, slot, a, true
}
