package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

func TestObserveCountsActuations(t *testing.T) {
	t.Parallel()
	c := New(Gauges{}, logx.Nop())

	c.Observe(eventbus.Event{Type: eventbus.TypeValveOn, Data: irrigation.ValveEvent{Action: irrigation.ActionStart}})
	c.Observe(eventbus.Event{Type: eventbus.TypeValveOn, Data: irrigation.ValveEvent{Action: irrigation.ActionStart}})
	c.Observe(eventbus.Event{Type: eventbus.TypeValveFailed, Data: irrigation.ValveEvent{Action: irrigation.ActionStop}})
	c.Observe(eventbus.Event{Type: eventbus.TypeValveOff, Data: irrigation.ValveEvent{Action: irrigation.ActionStop, HeldBy: []int64{2}}})
	c.Observe(eventbus.Event{Type: eventbus.TypeValveOn, Data: "not an event"})

	if got := testutil.ToFloat64(c.actuations.WithLabelValues("start", "ok")); got != 2 {
		t.Fatalf("start ok = %v", got)
	}
	if got := testutil.ToFloat64(c.actuations.WithLabelValues("stop", "failed")); got != 1 {
		t.Fatalf("stop failed = %v", got)
	}
	if got := testutil.ToFloat64(c.actuations.WithLabelValues("stop", "held")); got != 1 {
		t.Fatalf("stop held = %v", got)
	}
}

func TestObserveConditionChecksAndRuns(t *testing.T) {
	t.Parallel()
	c := New(Gauges{}, logx.Nop())

	c.Observe(eventbus.Event{Type: eventbus.TypeRunStarted, Data: irrigation.RunEvent{Action: irrigation.ActionStart, Conditions: 2}})
	c.Observe(eventbus.Event{Type: eventbus.TypeRunStarted, Data: irrigation.RunEvent{Action: irrigation.ActionStart}})
	c.Observe(eventbus.Event{Type: eventbus.TypeRunSkipped, Data: irrigation.RunEvent{Action: irrigation.ActionStart, Reason: "conditions not met: sensor.rain"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeRunFinished, Data: irrigation.RunEvent{Action: irrigation.ActionStart, Reason: "interrupted", Duration: time.Minute}})
	c.Observe(eventbus.Event{Type: eventbus.TypeRunFinished, Data: irrigation.RunEvent{Action: irrigation.ActionStop, Failed: 1}})

	if got := testutil.ToFloat64(c.conditionChecks.WithLabelValues("met")); got != 1 {
		t.Fatalf("met = %v", got)
	}
	if got := testutil.ToFloat64(c.conditionChecks.WithLabelValues("unmet")); got != 1 {
		t.Fatalf("unmet = %v", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues("start", "interrupted")); got != 1 {
		t.Fatalf("interrupted = %v", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues("stop", "error")); got != 1 {
		t.Fatalf("stop error = %v", got)
	}
}

func TestGaugesAndRun(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := New(Gauges{ValvesRunning: func() int { return 3 }, JobsRegistered: func() int { return 7 }}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.tasksDropped.WithLabelValues("misfire")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dropped task never counted")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	expected := `
# HELP irrigation_valves_running Entities currently held open.
# TYPE irrigation_valves_running gauge
irrigation_valves_running 3
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "irrigation_valves_running"); err != nil {
		t.Fatalf("gather: %v", err)
	}
}
