package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The scheduler only triggers; execution settings live here.
type Config struct {
	Enabled bool

	// MaxInFlight bounds concurrently running tasks. Tasks beyond the limit
	// wait for a permit on their own goroutine.
	MaxInFlight int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this for a permit.
	// Task.MaxDelay overrides it per task. 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TaskOptions tunes one task. Tasks run exactly once; a failed valve command
// is reported, never repeated.
type TaskOptions struct {
	Overlap OverlapPolicy
}

func (o TaskOptions) withDefaults() TaskOptions {
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState counts in-flight runs of one logical job. A run counts from
// Enqueue until it finishes or is dropped.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// InFlight reports the current number of runs holding this state.
func (s *RunState) InFlight() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	// MaxDelay overrides Config.MaxQueueDelay for this task when > 0.
	MaxDelay time.Duration
	Run      func(ctx context.Context) error
	Opt      TaskOptions
	State    *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled     bool
	Running     bool
	MaxInFlight int
	InFlight    int
	Waiting     int

	Dropped      uint64
	DroppedStale uint64
	Skipped      uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
