// Package metrics turns controller events into Prometheus series.
package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	namespace = "irrigation"

	resultOK     = "ok"
	resultFailed = "failed"
	resultHeld   = "held"
	resultMet    = "met"
	resultUnmet  = "unmet"

	conditionsUnmetPrefix = "conditions not met"
)

// Gauges are sampled at scrape time.
type Gauges struct {
	ValvesRunning  func() int
	JobsRegistered func() int
}

type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	actuations      *prometheus.CounterVec
	conditionChecks *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	tasksDropped    *prometheus.CounterVec
	taskDuration    prometheus.Histogram
}

// New builds a collector on a private registry that also carries the Go and
// process collectors.
func New(g Gauges, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		log: log,
		actuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuations_total",
			Help:      "Valve commands by action and result.",
		}, []string{"action", "result"}),
		conditionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_checks_total",
			Help:      "Start gate evaluations by result.",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished or skipped runs by action and outcome.",
		}, []string{"action", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"action"}),
		tasksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Fired jobs that never ran, by reason.",
		}, []string{"reason"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Engine task run time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.actuations, c.conditionChecks, c.runs, c.runDuration, c.tasksDropped, c.taskDuration,
	)
	if g.ValvesRunning != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "valves_running",
			Help:      "Entities currently held open.",
		}, func() float64 { return float64(g.ValvesRunning()) }))
	}
	if g.JobsRegistered != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_registered",
			Help:      "Schedule triggers currently registered.",
		}, func() float64 { return float64(g.JobsRegistered()) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Observe folds one event into the series. Unknown events are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeValveOn, eventbus.TypeValveOff, eventbus.TypeValveFailed:
		ev, ok := e.Data.(irrigation.ValveEvent)
		if !ok {
			return
		}
		res := resultOK
		switch {
		case e.Type == eventbus.TypeValveFailed:
			res = resultFailed
		case len(ev.HeldBy) > 0:
			res = resultHeld
		}
		c.actuations.WithLabelValues(string(ev.Action), res).Inc()

	case eventbus.TypeRunStarted:
		ev, ok := e.Data.(irrigation.RunEvent)
		if ok && ev.Action == irrigation.ActionStart && ev.Conditions > 0 {
			c.conditionChecks.WithLabelValues(resultMet).Inc()
		}

	case eventbus.TypeRunSkipped:
		ev, ok := e.Data.(irrigation.RunEvent)
		if !ok {
			return
		}
		if strings.HasPrefix(ev.Reason, conditionsUnmetPrefix) {
			c.conditionChecks.WithLabelValues(resultUnmet).Inc()
		}
		c.runs.WithLabelValues(string(ev.Action), "skipped").Inc()

	case eventbus.TypeRunFinished:
		ev, ok := e.Data.(irrigation.RunEvent)
		if !ok {
			return
		}
		outcome := "completed"
		switch {
		case ev.Reason == "interrupted":
			outcome = "interrupted"
		case ev.Failed > 0:
			outcome = "error"
		}
		c.runs.WithLabelValues(string(ev.Action), outcome).Inc()
		c.runDuration.WithLabelValues(string(ev.Action)).Observe(ev.Duration.Seconds())

	case eventbus.TypeTaskDropped:
		c.tasksDropped.WithLabelValues("misfire").Inc()
	case eventbus.TypeTaskSkipped:
		c.tasksDropped.WithLabelValues("overlap").Inc()
	case eventbus.TypeTaskFinished, eventbus.TypeTaskFailed:
		if ev, ok := e.Data.(engine.TaskEvent); ok {
			c.taskDuration.Observe(ev.Duration.Seconds())
		}
	}
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsub := bus.Subscribe(256)
	defer unsub()
	c.log.Debug("metrics collector started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}
