package irrigation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	defaultStopTimeout = 30 * time.Second
	defaultFanout      = 8
)

// Transport switches valves and reads entity state.
type Transport interface {
	StateReader
	SetDeviceState(ctx context.Context, entityID string, on bool) error
}

// Request is one actuation: a start or stop edge for a set of valves.
type Request struct {
	Action     Action
	Targets    []Target
	ScheduleID int64
	Sequential bool
	// Conditions gate start requests only.
	Conditions []Condition
	EventType  EventType
	// Trigger says what caused the run ("schedule", "manual", ...). Informational.
	Trigger string
}

type Report struct {
	RunID       string
	Skipped     bool
	Reason      string
	Succeeded   []string
	Failed      []string
	Interrupted bool
}

func (r *Report) record(entity string, err error) {
	if err != nil {
		r.Failed = append(r.Failed, entity)
		return
	}
	r.Succeeded = append(r.Succeeded, entity)
}

// Err is non-nil when nothing was actuated.
func (r Report) Err() error {
	switch {
	case r.Skipped:
		return nil
	case len(r.Failed) > 0 && len(r.Succeeded) == 0:
		return fmt.Errorf("run %s: all %d commands failed", r.RunID, len(r.Failed))
	}
	return nil
}

// ValveEvent is published for every valve command.
type ValveEvent struct {
	RunID       string
	ScheduleID  int64
	DeviceID    int64
	EntityID    string
	Action      Action
	EventType   EventType
	At          time.Time
	Interrupted bool
	Err         string
	// HeldBy is set on a stop that released the valve without closing it
	// because these schedules still hold it open.
	HeldBy []int64
}

// RunEvent is published when a run starts, finishes or is skipped.
type RunEvent struct {
	RunID      string
	ScheduleID int64
	Action     Action
	EventType  EventType
	Sequential bool
	Trigger    string
	Entities   []string
	Conditions int
	Reason     string
	At         time.Time
	Duration   time.Duration
	Failed     int
}

type ExecutorOption func(*Executor)

// WithWait replaces the timer used between start and stop in a sequential walk.
func WithWait(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.wait = fn
		}
	}
}

// WithStopTimeout bounds a stop command issued after the run was cancelled.
func WithStopTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

// WithFanout limits concurrent commands in a parallel run.
func WithFanout(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.fanout = n
		}
	}
}

type Executor struct {
	tr   Transport
	reg  *Registry
	eval *Evaluator
	bus  eventbus.Bus
	log  logx.Logger

	wait        func(ctx context.Context, d time.Duration) error
	stopTimeout time.Duration
	fanout      int

	// per valve; a holder check and its command must not interleave with
	// another schedule's command on the same valve
	valveMu sync.Mutex
	valves  map[string]*sync.Mutex
}

func NewExecutor(tr Transport, reg *Registry, log logx.Logger, bus eventbus.Bus, opts ...ExecutorOption) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Executor{
		tr:          tr,
		reg:         reg,
		eval:        NewEvaluator(tr, log),
		bus:         bus,
		log:         log,
		wait:        sleepCtx,
		stopTimeout: defaultStopTimeout,
		fanout:      defaultFanout,
		valves:      map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Registry() *Registry { return e.reg }

// Run carries out req. Failures are per valve: they are logged and published
// and never stop the remaining valves. Commands are not retried.
func (e *Executor) Run(ctx context.Context, req Request) Report {
	rep := Report{RunID: uuid.NewString()}
	log := e.log.With(
		logx.Run(rep.RunID),
		logx.Schedule(req.ScheduleID),
		logx.String("action", string(req.Action)),
	)
	base := RunEvent{
		RunID:      rep.RunID,
		ScheduleID: req.ScheduleID,
		Action:     req.Action,
		EventType:  req.EventType,
		Sequential: req.Sequential,
		Trigger:    req.Trigger,
		Entities:   entityIDs(req.Targets),
		Conditions: len(req.Conditions),
	}

	if len(req.Targets) == 0 {
		rep.Skipped, rep.Reason = true, "no targets"
		e.skip(log, base, rep.Reason)
		return rep
	}
	if req.Action == ActionStart && len(req.Conditions) > 0 {
		if ok, reason := e.eval.Check(ctx, req.Conditions); !ok {
			rep.Skipped, rep.Reason = true, "conditions not met: "+reason
			e.skip(log, base, rep.Reason)
			return rep
		}
	}
	if req.Action == ActionStop {
		// A closing valve must not be lost to a cancelled caller.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.stopTimeout)
		defer cancel()
	}

	started := time.Now()
	ev := base
	ev.At = started
	e.publish(eventbus.TypeRunStarted, ev)
	log.Info("run started", logx.Strings("targets", base.Entities), logx.Bool("sequential", req.Sequential), logx.String("trigger", req.Trigger))

	if req.Action == ActionStart && req.Sequential {
		e.walk(ctx, req, &rep, log)
	} else {
		e.fanOut(ctx, req, &rep)
	}

	ev.At = time.Now()
	ev.Duration = ev.At.Sub(started)
	ev.Failed = len(rep.Failed)
	if rep.Interrupted {
		ev.Reason = "interrupted"
	}
	e.publish(eventbus.TypeRunFinished, ev)
	log.Info("run finished",
		logx.Int("ok", len(rep.Succeeded)),
		logx.Int("failed", len(rep.Failed)),
		logx.Bool("interrupted", rep.Interrupted),
		logx.Duration("took", ev.Duration),
	)
	return rep
}

// CloseAll closes every valve the registry still holds. It is used on
// shutdown, when pending stop triggers will never fire. Each close is
// published as an interrupted stop.
func (e *Executor) CloseAll(ctx context.Context) Report {
	rep := Report{RunID: uuid.NewString()}
	held := e.reg.Snapshot()
	if len(held) == 0 {
		return rep
	}
	entities := make([]string, 0, len(held))
	for entity := range held {
		entities = append(entities, entity)
	}
	sort.Strings(entities)
	for _, entity := range entities {
		var err error
		for _, sid := range held[entity] {
			req := Request{Action: ActionStop, ScheduleID: sid, Trigger: "shutdown"}
			if err = e.command(ctx, rep.RunID, req, Target{EntityID: entity}, false, true); err != nil {
				break
			}
		}
		rep.record(entity, err)
	}
	e.log.Warn("open valves closed", logx.Int("closed", len(rep.Succeeded)), logx.Strings("failed", rep.Failed))
	return rep
}

// walk runs one valve at a time in order. A cancelled wait still closes the
// open valve before returning.
func (e *Executor) walk(ctx context.Context, req Request, rep *Report, log logx.Logger) {
	for _, t := range req.Targets {
		if ctx.Err() != nil {
			rep.Interrupted = true
			return
		}
		if err := e.command(ctx, rep.RunID, req, t, true, false); err != nil {
			rep.Failed = append(rep.Failed, t.EntityID)
			continue
		}

		if werr := e.wait(ctx, t.Duration); werr != nil {
			rep.Interrupted = true
			log.Warn("sequential wait interrupted; closing valve", logx.Entity(t.EntityID), logx.Err(werr))
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stopTimeout)
			err := e.command(stopCtx, rep.RunID, req, t, false, true)
			cancel()
			rep.record(t.EntityID, err)
			return
		}
		rep.record(t.EntityID, e.command(ctx, rep.RunID, req, t, false, false))
	}
}

func (e *Executor) fanOut(ctx context.Context, req Request, rep *Report) {
	on := req.Action == ActionStart
	errs := make([]error, len(req.Targets))
	var g errgroup.Group
	g.SetLimit(e.fanout)
	for i, t := range req.Targets {
		i, t := i, t
		g.Go(func() error {
			errs[i] = e.command(ctx, rep.RunID, req, t, on, false)
			return nil
		})
	}
	_ = g.Wait()
	for i, t := range req.Targets {
		rep.record(t.EntityID, errs[i])
	}
}

// command switches one valve and updates the registry only on success. A
// stop for a valve other schedules still hold only releases this schedule's
// hold; the last holder closes it.
func (e *Executor) command(ctx context.Context, runID string, req Request, t Target, on, interrupted bool) error {
	action := ActionStop
	if on {
		action = ActionStart
	}
	ev := ValveEvent{
		RunID:       runID,
		ScheduleID:  req.ScheduleID,
		DeviceID:    t.DeviceID,
		EntityID:    t.EntityID,
		Action:      action,
		EventType:   req.EventType,
		Interrupted: interrupted,
	}

	unlock := e.lockValve(t.EntityID)
	defer unlock()

	if !on {
		if others := e.reg.Holders(t.EntityID, req.ScheduleID); len(others) > 0 {
			e.reg.MarkStopped(t.EntityID, req.ScheduleID)
			ev.At = time.Now()
			ev.HeldBy = others
			e.log.Info("valve left open for other schedules",
				logx.Entity(t.EntityID),
				logx.Schedule(req.ScheduleID),
				logx.Any("held_by", others),
			)
			e.publish(eventbus.TypeValveOff, ev)
			return nil
		}
	}

	err := e.tr.SetDeviceState(ctx, t.EntityID, on)
	ev.At = time.Now()
	if err != nil {
		ev.Err = err.Error()
		e.log.Error("valve command failed",
			logx.Entity(t.EntityID),
			logx.String("action", string(action)),
			logx.Schedule(req.ScheduleID),
			logx.Err(err),
		)
		e.publish(eventbus.TypeValveFailed, ev)
		return err
	}
	if on {
		e.reg.MarkRunning(t.EntityID, req.ScheduleID)
		e.publish(eventbus.TypeValveOn, ev)
	} else {
		e.reg.MarkStopped(t.EntityID, req.ScheduleID)
		e.publish(eventbus.TypeValveOff, ev)
	}
	e.log.Debug("valve switched", logx.Entity(t.EntityID), logx.String("action", string(action)))
	return nil
}

func (e *Executor) lockValve(entity string) func() {
	e.valveMu.Lock()
	mu, ok := e.valves[entity]
	if !ok {
		mu = &sync.Mutex{}
		e.valves[entity] = mu
	}
	e.valveMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (e *Executor) skip(log logx.Logger, ev RunEvent, reason string) {
	ev.At = time.Now()
	ev.Reason = reason
	e.publish(eventbus.TypeRunSkipped, ev)
	log.Info("run skipped", logx.String("reason", reason))
}

func (e *Executor) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func entityIDs(ts []Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.EntityID)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
