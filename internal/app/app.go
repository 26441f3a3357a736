// Package app wires the irrigation daemon together: config, storage, valve
// transport, trigger and execution services, and the operator surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/config"
	"github.com/goatboynz/ha-irrigation-control/internal/control"
	"github.com/goatboynz/ha-irrigation-control/internal/device"
	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	"github.com/goatboynz/ha-irrigation-control/internal/notify"
	"github.com/goatboynz/ha-irrigation-control/internal/observability/metrics"
	"github.com/goatboynz/ha-irrigation-control/internal/observability/server"
	rtsup "github.com/goatboynz/ha-irrigation-control/internal/runtime/supervisor"
	"github.com/goatboynz/ha-irrigation-control/internal/storage"
	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	"github.com/goatboynz/ha-irrigation-control/internal/task/scheduler"
	"github.com/goatboynz/ha-irrigation-control/internal/telemetry"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const historyWriteTimeout = 5 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	devices device.Transport

	engine   *engine.Service
	sched    *scheduler.Service
	exec     *irrigation.Executor
	compiler *irrigation.Compiler
	ctl      *control.Service

	metrics *metrics.Collector
	http    *server.Service
	influx  *telemetry.Sink  // nil when disabled
	notif   *notify.Notifier // nil when disabled

	// events outlives the run context so valve closes issued during
	// shutdown still reach history.
	events *rtsup.Supervisor

	syncOnStart bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (*App, error) {
	// Alerts stay off until the notifier exists; the final Apply turns them on.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alerts.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	built := false
	defer func() {
		if !built {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()

	if tc := mapTelegramConfig(cfg); tc.Enabled {
		n, err := notify.New(tc, root.With(logx.String("comp", "notify")))
		if err != nil {
			return nil, err
		}
		a.notif = n
		logSvc.SetAlertSender(n)
	}
	logSvc.Apply(logCfg)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}

	if a.devices, err = openTransport(ctx, cfg, root.With(logx.String("comp", "devices"))); err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.engine, root.With(logx.String("comp", "scheduler")), a.bus)
	a.sched.SetCheckpoint(a.store)

	limits, cmdTimeout, err := mapIrrigationConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.exec = irrigation.NewExecutor(a.devices, irrigation.NewRegistry(), root.With(logx.String("comp", "executor")), a.bus)
	a.compiler = irrigation.NewCompiler(a.sched, a.engine, a.exec, root.With(logx.String("comp", "compiler")), a.bus,
		irrigation.WithLimits(limits),
		irrigation.WithCommandTimeout(cmdTimeout),
	)
	a.ctl = control.New(a.store, a.compiler, root.With(logx.String("comp", "control")))
	a.syncOnStart = config.BoolOr(cfg.Irrigation.SyncOnStart, true)

	a.metrics = metrics.New(metrics.Gauges{
		ValvesRunning:  a.exec.Registry().Len,
		JobsRegistered: func() int { return len(a.sched.Names("schedule-")) },
	}, root.With(logx.String("comp", "metrics")))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = server.New(srvCfg, a.metrics.Registry(), server.Hooks{
		Health: a.health,
		Status: func() any { return a.Status() },
	}, root.With(logx.String("comp", "http")))

	if ic := mapInfluxConfig(cfg); ic.Enabled {
		sink, err := telemetry.Connect(ctx, ic, root.With(logx.String("comp", "influxdb")))
		if err != nil {
			// history stays in sqlite; dashboards just miss this session
			log.Warn("influxdb unavailable; telemetry disabled", logx.Err(err))
		} else {
			a.influx = sink
		}
	}
	built = true
	return a, nil
}

// Control exposes the schedule write path.
func (a *App) Control() *control.Service { return a.ctl }

// Compiler exposes live actuation state.
func (a *App) Compiler() *irrigation.Compiler { return a.compiler }

// Store exposes the record store.
func (a *App) Store() *storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapIrrigationConfig(cfg); err != nil {
			return err
		}
		_, err := mapServerConfig(cfg)
		return err
	})

	if n, err := a.store.CloseOpenHistory(run, time.Now(), "daemon restarted"); err != nil {
		return fmt.Errorf("close open history: %w", err)
	} else if n > 0 {
		a.log.Warn("history rows left open by a previous run were closed", logx.Int64("rows", n))
	}

	// Consumers subscribe before anything can fire.
	a.startConsumers(ctx)

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.syncOnStart {
		if _, err := a.ctl.Reconcile(run); err != nil {
			return err
		}
	}
	// Jobs are registered first so start-up catch-up can see them.
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.http.Enabled() {
		a.http.Start(run)
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("influxdb", a.influx != nil),
		logx.Bool("telegram", a.notif != nil),
	)
	return nil
}

func (a *App) startConsumers(ctx context.Context) {
	a.events = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	events, unsub := a.bus.Subscribe(256)
	a.events.Go0("history.record", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				// flush what is already buffered
				for {
					select {
					case e := <-events:
						a.record(e)
					default:
						return
					}
				}
			case e, ok := <-events:
				if !ok {
					return
				}
				a.record(e)
			}
		}
	})
	a.events.Go("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.influx != nil {
		a.events.Go("influxdb.events", func(c context.Context) error { return a.influx.Run(c, a.bus) })
	}
	if a.notif != nil {
		a.events.Go("notify.events", func(c context.Context) error { return a.notif.Run(c, a.bus) })
	}
}

func (a *App) record(e eventbus.Event) {
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := a.store.RecordEvent(ctx, e); err != nil {
		a.log.Warn("history write failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable sections into running services.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	if ec, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	// scheduler first on shutdown; engine first on startup
	nowSched, nowEng := a.sched.Enabled(), a.engine.Enabled()
	if prevSched && !nowSched {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !nowEng {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && nowEng {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSched && nowSched {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if srv, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, srv)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Status is the /status payload.
type Status struct {
	Valves    map[string][]int64  `json:"valves"`
	Jobs      []scheduler.JobInfo `json:"jobs"`
	NextStart map[int64]time.Time `json:"next_start"`
	Timezone  string              `json:"timezone"`
	Scheduler bool                `json:"scheduler_running"`
	Engine    EngineStatus        `json:"engine"`
}

type EngineStatus struct {
	Running      bool   `json:"running"`
	InFlight     int    `json:"in_flight"`
	Waiting      int    `json:"waiting"`
	Dropped      uint64 `json:"dropped"`
	DroppedStale uint64 `json:"dropped_stale"`
	Skipped      uint64 `json:"skipped"`
}

func (a *App) Status() Status {
	ss := a.sched.Snapshot()
	es := a.engine.Snapshot()
	return Status{
		Valves:    a.compiler.ActiveActuations(),
		Jobs:      ss.Jobs,
		NextStart: nextStarts(ss.Jobs),
		Timezone:  ss.Timezone,
		Scheduler: ss.Running,
		Engine: EngineStatus{
			Running:      es.Running,
			InFlight:     es.InFlight,
			Waiting:      es.Waiting,
			Dropped:      es.Dropped,
			DroppedStale: es.DroppedStale,
			Skipped:      es.Skipped,
		},
	}
}

// nextStarts reports the earliest upcoming start trigger of each schedule.
func nextStarts(jobs []scheduler.JobInfo) map[int64]time.Time {
	out := make(map[int64]time.Time)
	for _, j := range jobs {
		sid, _, action, ok := irrigation.ParseJobID(j.Name)
		if !ok || action != irrigation.ActionStart || j.Next.IsZero() {
			continue
		}
		if cur, seen := out[sid]; !seen || j.Next.Before(cur) {
			out[sid] = j.Next
		}
	}
	return out
}

func (a *App) health(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.sched.Enabled() && !a.engine.Running() {
		return errors.New("task engine not running")
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop triggers first so nothing new starts while the rest unwinds.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	// Cancelling the run context interrupts sequential waits; their valves are
	// closed by the executor on the way out.
	a.sup.Cancel()
	a.step(ctx, "taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "valves", 30*time.Second, func(c context.Context) error {
		if rep := a.exec.CloseAll(c); len(rep.Failed) > 0 {
			return fmt.Errorf("valves left open: %s", strings.Join(rep.Failed, ","))
		}
		return nil
	})
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

	// Wait for supervised goroutines (config watch/reload), then drain the
	// event consumers.
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if a.events != nil {
		a.step(ctx, "events", 3*time.Second, func(c context.Context) error {
			a.events.Cancel()
			return a.events.Wait(c)
		})
	}
	a.step(ctx, "resources", 3*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall
// the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

func (a *App) closeResources() {
	if a.influx != nil {
		_ = a.influx.Close()
		a.influx = nil
	}
	if a.devices != nil {
		if err := a.devices.Close(); err != nil {
			a.log.Warn("device transport close failed", logx.Err(err))
		}
		a.devices = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
