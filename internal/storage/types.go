package storage

import (
	"errors"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflicts with an existing one")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// SchedulePatch updates the fields that are set. Slots and Conditions
// replace the stored lists when non-nil.
type SchedulePatch struct {
	Name       *string
	TargetKind *irrigation.TargetKind
	TargetID   *int64
	Enabled    *bool
	Priority   *int
	EventType  *irrigation.EventType
	Slots      *[]irrigation.TimeSlot
	Conditions *[]irrigation.Condition
}

type HistoryStatus string

const (
	StatusRunning     HistoryStatus = "running"
	StatusCompleted   HistoryStatus = "completed"
	StatusInterrupted HistoryStatus = "interrupted"
	StatusSkipped     HistoryStatus = "skipped"
	StatusError       HistoryStatus = "error"
)

// HistoryEntry is one valve's part in a run.
type HistoryEntry struct {
	ID         int64
	ScheduleID int64
	EntityID   string
	RunID      string
	EventType  irrigation.EventType
	Started    time.Time
	Ended      time.Time // zero while running
	Status     HistoryStatus
	Reason     string
}

func (h HistoryEntry) Duration() time.Duration {
	if h.Ended.IsZero() {
		return 0
	}
	return h.Ended.Sub(h.Started)
}

type HistoryFilter struct {
	ScheduleID int64 // 0 = all
	Limit      int   // 0 = 100
}
