package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	rtsup "github.com/goatboynz/ha-irrigation-control/internal/runtime/supervisor"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	warnThrottleEvery  = 5 * time.Second
	defaultMaxInFlight = 16
	defaultHistorySize = 200
)

// Service runs each accepted task on its own goroutine. A weighted semaphore
// bounds how many run at once; a long task (a sequential valve walk) blocks
// only its own goroutine.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sup *rtsup.Supervisor
	sem *semaphore.Weighted

	inFlight atomic.Int32
	waiting  atomic.Int32

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq        atomic.Uint64
	dropped      atomic.Uint64
	droppedStale atomic.Uint64
	skipped      atomic.Uint64

	lastStaleWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	maxDelay   time.Duration
	opt        TaskOptions
	state      *RunState
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    normalize(cfg),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func normalize(cfg Config) Config {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether Start has been called and Stop has not.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Apply swaps the config. A new in-flight limit applies to tasks enqueued
// after the call; running tasks keep their permits.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.sup != nil && prev.MaxInFlight != cfg.MaxInFlight {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing task must never take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.sem = semaphore.NewWeighted(int64(s.cfg.MaxInFlight))
	s.log.Info("task engine started", logx.Int("max_in_flight", s.cfg.MaxInFlight), logx.Duration("max_queue_delay", s.cfg.MaxQueueDelay))
}

// Stop cancels every running task and waits for them to return or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.sem = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()), logx.Int("in_flight", int(s.inFlight.Load())))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue accepts t for execution without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	if !cfg.Enabled {
		return ErrDisabled
	}
	if s.sup == nil {
		return ErrStopped
	}

	qt := queuedTask{
		task:       t,
		enqueuedAt: now,
		timeout:    t.Timeout,
		maxDelay:   t.MaxDelay,
		opt:        t.Opt.withDefaults(),
		state:      t.State,
	}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.maxDelay <= 0 {
		qt.maxDelay = cfg.MaxQueueDelay
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		if qt.state == nil {
			qt.state = s.stateFor(t.Name)
		}
		if !qt.state.tryAcquire() {
			s.skipped.Add(1)
			s.publish(eventbus.TypeTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		qt.track = true
	}

	sem := s.sem
	s.sup.Go("task."+t.Name, func(ctx context.Context) error {
		s.run(ctx, sem, qt)
		return nil
	})
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:        cfg.Enabled,
		Running:        running,
		MaxInFlight:    cfg.MaxInFlight,
		InFlight:       int(s.inFlight.Load()),
		Waiting:        int(s.waiting.Load()),
		Dropped:        s.dropped.Load(),
		DroppedStale:   s.droppedStale.Load(),
		Skipped:        s.skipped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxQueueDelay:  cfg.MaxQueueDelay,
		History:        h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onStaleDropped(now time.Time, t Task, delay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"})
	s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: waited past grace window",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}
