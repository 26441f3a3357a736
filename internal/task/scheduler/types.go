package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Pacific/Auckland"

	// MisfireGrace is how late a fired job may still start. It bounds the
	// engine permit wait and start-up catch-up. 0 disables both.
	MisfireGrace time.Duration

	// HeartbeatEvery controls how often the checkpoint is written.
	HeartbeatEvery time.Duration
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Enqueuer accepts fired jobs. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Checkpoint persists the last instant the scheduler was known alive.
type Checkpoint interface {
	LastAlive(ctx context.Context) (time.Time, bool, error)
	MarkAlive(ctx context.Context, at time.Time) error
}

type Job func(ctx context.Context) error

type cronDef struct {
	name    string
	spec    string
	sched   cron.Schedule
	timeout time.Duration
	job     Job
	opt     TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
	// internal defs are skipped by catch-up.
	internal bool
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	timer   *time.Timer
	ver     uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine     Enqueuer
	checkpoint Checkpoint

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*cronDef

	tmu   sync.Mutex
	once  map[string]*onceDef
	verSq uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type JobInfo struct {
	Name    string
	Spec    string
	Next    time.Time
	Prev    time.Time
	OneShot bool
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Jobs     []JobInfo
}
