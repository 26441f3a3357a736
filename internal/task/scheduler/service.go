package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	heartbeatName         = "scheduler.heartbeat"
	defaultHeartbeatEvery = 30 * time.Second
	checkpointTimeout     = 3 * time.Second
	enqueueWarnThrottle   = 5 * time.Second
)

func New(cfg Config, eng Enqueuer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		engine:      eng,
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:        map[string]*cronDef{},
		once:        map[string]*onceDef{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// SetCheckpoint installs the heartbeat store used for misfire catch-up.
// Call before Start.
func (s *Service) SetCheckpoint(cp Checkpoint) {
	s.mu.Lock()
	s.checkpoint = cp
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Location returns the trigger timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Apply swaps the config. A timezone change re-registers every trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering registered jobs, restores one-shot timers and runs
// misfire catch-up when a checkpoint is configured.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addCronLocked(d)
	}
	s.c.Start()
	cp := s.checkpoint
	every := s.cfg.HeartbeatEvery
	loc := s.loc
	n := len(s.defs)
	s.mu.Unlock()

	s.rebuildOnceTimers()

	if cp != nil {
		s.catchUp(ctx, cp, time.Now())
		s.touch(cp)
		if every <= 0 {
			every = defaultHeartbeatEvery
		}
		_ = s.addInterval(heartbeatName, every, checkpointTimeout, TaskOptions{Overlap: OverlapSkipIfRunning}, func(c context.Context) error {
			return cp.MarkAlive(c, time.Now())
		})
	}
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", n))
}

// Stop halts triggering. Definitions stay registered so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cp := s.checkpoint
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, o := range s.once {
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
	}
	s.tmu.Unlock()

	if c != nil && cp != nil {
		s.touch(cp)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.cfg.Timezone}
	for _, d := range s.defs {
		it := JobInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for name, o := range s.once {
		snap.Jobs = append(snap.Jobs, JobInfo{Name: name, Next: o.at, OneShot: true})
	}
	s.tmu.Unlock()

	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Not waiting: a firing job may be blocked on s.mu.
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// touch records a heartbeat. Errors are logged and otherwise ignored.
func (s *Service) touch(cp Checkpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := cp.MarkAlive(ctx, time.Now()); err != nil {
		s.log.Warn("scheduler checkpoint write failed", logx.Err(err))
	}
}

func (s *Service) enqueue(name string, timeout time.Duration, job Job, opt TaskOptions, st *engine.RunState, maxDelay time.Duration) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:     name,
		Timeout:  timeout,
		MaxDelay: maxDelay,
		Run:      job,
		Opt:      opt,
		State:    st,
	})
	if err != nil {
		s.reportEnqueueError(name, err)
	}
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped: previous run still active", logx.String("job", name))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("trigger failed to enqueue job", logx.String("job", name), logx.Err(err))
}
