package irrigation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	"github.com/goatboynz/ha-irrigation-control/internal/task/scheduler"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	// stepSlack is added per valve to a sequential run's timeout.
	stepSlack = time.Minute
)

var ErrNoValidSlots = errors.New("schedule has no time slot with a valid weekday")

// Triggers is the subset of the scheduler the compiler drives.
type Triggers interface {
	AddCron(name, spec string, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) error
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) error
	Remove(name string) bool
	RemovePrefix(prefix string) int
	Names(prefix string) []string
}

// Dispatcher runs a task now. *engine.Service implements it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

// Result of Compile or RunNow. OK=false always carries Err.
type Result struct {
	OK           bool
	Registered   []string
	SkippedSlots []int64
	Err          error
}

func failed(err error) Result { return Result{Err: err} }

// JobsEvent is published after a schedule's jobs change.
type JobsEvent struct {
	ScheduleID int64
	Jobs       []string
	Removed    int
}

type CompilerOption func(*Compiler)

func WithLimits(l Limits) CompilerOption {
	return func(c *Compiler) { c.limits = l.withDefaults() }
}

func WithClock(now func() time.Time) CompilerOption {
	return func(c *Compiler) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCommandTimeout bounds start and stop jobs of parallel targets.
func WithCommandTimeout(d time.Duration) CompilerOption {
	return func(c *Compiler) {
		if d > 0 {
			c.cmdTimeout = d
		}
	}
}

// Compiler owns the lifecycle of every schedule's trigger jobs.
type Compiler struct {
	triggers Triggers
	dispatch Dispatcher
	exec     *Executor
	log      logx.Logger
	bus      eventbus.Bus

	limits     Limits
	now        func() time.Time
	cmdTimeout time.Duration
}

func NewCompiler(triggers Triggers, dispatch Dispatcher, exec *Executor, log logx.Logger, bus eventbus.Bus, opts ...CompilerOption) *Compiler {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Compiler{
		triggers:   triggers,
		dispatch:   dispatch,
		exec:       exec,
		log:        log,
		bus:        bus,
		limits:     DefaultLimits(),
		now:        time.Now,
		cmdTimeout: defaultCommandTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Compiler) Limits() Limits { return c.limits }

// Compile replaces every trigger of s. A disabled schedule ends with no
// triggers and OK=true. On failure no trigger of s is left registered.
func (c *Compiler) Compile(s Schedule) (res Result) {
	log := c.log.With(logx.Schedule(s.ID), logx.String("name", s.Name))
	defer func() {
		if r := recover(); r != nil {
			c.triggers.RemovePrefix(SchedulePrefix(s.ID))
			res = failed(fmt.Errorf("compile schedule %d: panic: %v", s.ID, r))
			log.Error("schedule compile panicked", logx.Any("panic", r))
		}
	}()

	removed := c.triggers.RemovePrefix(SchedulePrefix(s.ID))
	if !s.Enabled {
		log.Info("schedule disabled; jobs removed", logx.Int("removed", removed))
		c.publish(eventbus.TypeJobsRemoved, JobsEvent{ScheduleID: s.ID, Removed: removed})
		return Result{OK: true}
	}
	if err := Validate(s, c.limits); err != nil {
		log.Warn("schedule rejected", logx.Err(err))
		return failed(err)
	}
	targets, err := Resolve(s)
	if err != nil {
		log.Warn("schedule has nothing to water", logx.Err(err))
		return failed(fmt.Errorf("schedule %d: %w", s.ID, err))
	}

	for _, slot := range orderSlots(s) {
		days := ParseWeekdays(slot.Days)
		if days.Empty() {
			log.Warn("time slot has no valid weekday; skipped", logx.Int64("slot", slot.ID), logx.String("days", slot.Days))
			res.SkippedSlots = append(res.SkippedSlots, slot.ID)
			continue
		}

		start := c.request(s, targets, slot, ActionStart, "schedule")
		startID := JobID(s.ID, slot.ID, ActionStart)
		startOpt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}
		if err := c.triggers.AddCron(startID, cronSpec(slot.Hour, slot.Minute, days), c.runTimeout(start), startOpt, c.job(start)); err != nil {
			return c.abort(s.ID, log, fmt.Errorf("register %s: %w", startID, err))
		}
		res.Registered = append(res.Registered, startID)

		if !targets.Sequential {
			h, m, shift := StopTime(slot.Hour, slot.Minute, slot.DurationMinutes)
			stop := c.request(s, targets, slot, ActionStop, "schedule")
			stopID := JobID(s.ID, slot.ID, ActionStop)
			if err := c.triggers.AddCron(stopID, cronSpec(h, m, days.Shift(shift)), c.cmdTimeout, scheduler.TaskOptions{}, c.job(stop)); err != nil {
				return c.abort(s.ID, log, fmt.Errorf("register %s: %w", stopID, err))
			}
			res.Registered = append(res.Registered, stopID)
		}

		log.Info("time slot scheduled",
			logx.Int64("slot", slot.ID),
			logx.String("start", fmt.Sprintf("%02d:%02d", slot.Hour, slot.Minute)),
			logx.Int("minutes", slot.DurationMinutes),
			logx.String("days", days.String()),
			logx.Bool("sequential", targets.Sequential),
		)
	}

	if len(res.Registered) == 0 {
		res.Err = fmt.Errorf("schedule %d: %w", s.ID, ErrNoValidSlots)
		log.Warn("schedule produced no jobs", logx.Int("skipped", len(res.SkippedSlots)))
		return res
	}
	res.OK = true
	log.Info("schedule compiled", logx.Int("jobs", len(res.Registered)), logx.Strings("entities", targets.EntityIDs()))
	c.publish(eventbus.TypeJobsCompiled, JobsEvent{ScheduleID: s.ID, Jobs: slices.Clone(res.Registered), Removed: removed})
	return res
}

func (c *Compiler) abort(id int64, log logx.Logger, err error) Result {
	c.triggers.RemovePrefix(SchedulePrefix(id))
	log.Error("schedule compile failed", logx.Err(err))
	return failed(err)
}

// Remove drops every recurring trigger of the schedule. Runs already in
// progress are left to finish.
func (c *Compiler) Remove(scheduleID int64) int {
	n := c.triggers.RemovePrefix(SchedulePrefix(scheduleID))
	c.log.Info("schedule jobs removed", logx.Schedule(scheduleID), logx.Int("removed", n))
	c.publish(eventbus.TypeJobsRemoved, JobsEvent{ScheduleID: scheduleID, Removed: n})
	return n
}

// RunNow starts every slot of s immediately. Parallel targets get a one-shot
// stop after the slot duration; sequential targets are timed inline, one
// slot after another.
func (c *Compiler) RunNow(ctx context.Context, s Schedule) (res Result) {
	log := c.log.With(logx.Schedule(s.ID), logx.String("name", s.Name))
	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Errorf("run schedule %d: panic: %v", s.ID, r))
			log.Error("manual run panicked", logx.Any("panic", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return failed(err)
	}
	if err := Validate(s, c.limits); err != nil {
		return failed(err)
	}
	targets, err := Resolve(s)
	if err != nil {
		log.Warn("manual run has nothing to water", logx.Err(err))
		return failed(fmt.Errorf("schedule %d: %w", s.ID, err))
	}
	if len(s.Slots) == 0 {
		return failed(fmt.Errorf("schedule %d: no time slots", s.ID))
	}
	now := c.now()

	if targets.Sequential {
		reqs := make([]Request, 0, len(s.Slots))
		var timeout time.Duration
		for _, slot := range orderSlots(s) {
			r := c.request(s, targets, slot, ActionStart, "manual")
			reqs = append(reqs, r)
			timeout += c.runTimeout(r)
		}
		name := manualRunName(s.ID)
		err := c.dispatch.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
			Run: func(ctx context.Context) error {
				for _, r := range reqs {
					c.exec.Run(ctx, r)
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				return nil
			},
		})
		if err != nil {
			log.Warn("manual run not dispatched", logx.Err(err))
			return failed(fmt.Errorf("dispatch %s: %w", name, err))
		}
		log.Info("manual sequential run dispatched", logx.Int("slots", len(reqs)))
		return Result{OK: true, Registered: []string{name}}
	}

	for _, slot := range orderSlots(s) {
		stopID := ManualStopID(s.ID, slot.ID, now)
		stop := c.request(s, targets, slot, ActionStop, "manual")
		// The stop is armed before the start so an open valve always has a closer.
		if err := c.triggers.AddOnce(stopID, now.Add(slot.Duration()), c.cmdTimeout, c.job(stop)); err != nil {
			log.Warn("manual stop not scheduled", logx.String("job", stopID), logx.Err(err))
			return c.unwindManual(res, fmt.Errorf("schedule %s: %w", stopID, err))
		}
		res.Registered = append(res.Registered, stopID)

		start := c.request(s, targets, slot, ActionStart, "manual")
		name := fmt.Sprintf("manual-start-%d-%d", s.ID, slot.ID)
		if err := c.dispatch.Enqueue(engine.Task{
			Name:    name,
			Timeout: c.cmdTimeout,
			Run:     c.job(start),
		}); err != nil {
			log.Warn("manual start not dispatched", logx.String("task", name), logx.Err(err))
			return c.unwindManual(res, fmt.Errorf("dispatch %s: %w", name, err))
		}
		log.Info("manual run dispatched", logx.Int64("slot", slot.ID), logx.String("stop_job", stopID), logx.Duration("for", slot.Duration()))
	}
	res.OK = true
	return res
}

// unwindManual drops the stop armed for a start that never got dispatched.
// Stops for slots already started stay armed.
func (c *Compiler) unwindManual(res Result, err error) Result {
	if n := len(res.Registered); n > 0 {
		c.triggers.Remove(res.Registered[n-1])
		res.Registered = res.Registered[:n-1]
	}
	res.OK = false
	res.Err = err
	return res
}

// ActiveActuations maps each open valve to the schedules holding it.
func (c *Compiler) ActiveActuations() map[string][]int64 {
	return c.exec.Registry().Snapshot()
}

// JobIDs lists the recurring triggers registered for a schedule.
func (c *Compiler) JobIDs(scheduleID int64) []string {
	return c.triggers.Names(SchedulePrefix(scheduleID))
}

func (c *Compiler) request(s Schedule, r Resolution, slot TimeSlot, a Action, trigger string) Request {
	return Request{
		Action:     a,
		Targets:    r.Targets(slot),
		ScheduleID: s.ID,
		Sequential: r.Sequential && a == ActionStart,
		Conditions: slices.Clone(s.Conditions),
		EventType:  s.EventType,
		Trigger:    trigger,
	}
}

func (c *Compiler) job(req Request) scheduler.Job {
	return func(ctx context.Context) error {
		// a failed valve waits for its next slot
		return c.exec.Run(ctx, req).Err()
	}
}

func (c *Compiler) runTimeout(r Request) time.Duration {
	if !r.Sequential {
		return c.cmdTimeout
	}
	var d time.Duration
	for _, t := range r.Targets {
		d += t.Duration + stepSlack
	}
	return d
}

func (c *Compiler) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// orderSlots sorts slots by the schedule's priority. Priority is per
// schedule, so the stable sort keeps the stored slot order.
func orderSlots(s Schedule) []TimeSlot {
	slots := slices.Clone(s.Slots)
	prio := func(TimeSlot) int { return s.Priority }
	sort.SliceStable(slots, func(i, j int) bool { return prio(slots[i]) > prio(slots[j]) })
	return slots
}

func cronSpec(hour, minute int, days DaySet) string {
	return fmt.Sprintf("%d %d * * %s", minute, hour, days.CronField())
}
