// Package telemetry streams valve state changes and run summaries to
// InfluxDB v2 for long-term history and dashboards.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	defaultMeasurement = "valve_state"
	runMeasurement     = "irrigation_run"
	connectTimeout     = 10 * time.Second
	batchSize          = 50
	flushIntervalMs    = 5000
)

var ErrDisabled = errors.New("influxdb telemetry disabled")

type Config struct {
	Enabled     bool
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// pointWriter is the subset of api.WriteAPI used here.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

type Sink struct {
	log         logx.Logger
	client      influxdb2.Client
	w           pointWriter
	measurement string
}

// Connect pings the server and returns a sink with a non-blocking, batched
// write API. Async write errors are logged.
func Connect(ctx context.Context, cfg Config, log logx.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(batchSize).SetFlushInterval(flushIntervalMs))

	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ok, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !ok {
		client.Close()
		return nil, errors.New("influxdb ping: server not healthy")
	}

	wapi := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range wapi.Errors() {
			log.Warn("influxdb write failed", logx.Err(err))
		}
	}()

	s := newSink(wapi, cfg.Measurement, log)
	s.client = client
	return s, nil
}

func newSink(w pointWriter, measurement string, log logx.Logger) *Sink {
	if strings.TrimSpace(measurement) == "" {
		measurement = defaultMeasurement
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{w: w, measurement: measurement, log: log}
}

// Observe writes a point for valve and run-finished events.
func (s *Sink) Observe(e eventbus.Event) {
	if p := s.point(e); p != nil {
		s.w.WritePoint(p)
	}
}

func (s *Sink) point(e eventbus.Event) *write.Point {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch e.Type {
	case eventbus.TypeValveOn, eventbus.TypeValveOff, eventbus.TypeValveFailed:
		ev, ok := e.Data.(irrigation.ValveEvent)
		if !ok {
			return nil
		}
		if !ev.At.IsZero() {
			at = ev.At
		}
		state := 0
		// a released hold leaves the valve open for other schedules
		if e.Type == eventbus.TypeValveOn || len(ev.HeldBy) > 0 {
			state = 1
		}
		fields := map[string]any{
			"ok":          e.Type != eventbus.TypeValveFailed,
			"interrupted": ev.Interrupted,
			"shared":      len(ev.HeldBy) > 0,
		}
		// a failed command says nothing about the real valve state
		if e.Type != eventbus.TypeValveFailed {
			fields["state"] = state
		}
		return influxdb2.NewPoint(s.measurement, map[string]string{
			"entity_id":  ev.EntityID,
			"schedule":   strconv.FormatInt(ev.ScheduleID, 10),
			"action":     string(ev.Action),
			"event_type": string(ev.EventType),
		}, fields, at)

	case eventbus.TypeRunFinished:
		ev, ok := e.Data.(irrigation.RunEvent)
		if !ok {
			return nil
		}
		if !ev.At.IsZero() {
			at = ev.At
		}
		return influxdb2.NewPoint(runMeasurement, map[string]string{
			"schedule": strconv.FormatInt(ev.ScheduleID, 10),
			"action":   string(ev.Action),
			"trigger":  ev.Trigger,
		}, map[string]any{
			"duration_s":  ev.Duration.Seconds(),
			"valves":      len(ev.Entities),
			"failed":      ev.Failed,
			"interrupted": ev.Reason == "interrupted",
		}, at)
	}
	return nil
}

// Run consumes bus events until ctx ends, then flushes.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	defer s.w.Flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			s.Observe(e)
		}
	}
}

func (s *Sink) Close() error {
	s.w.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
