package irrigation

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"testing"
	"time"

	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

func parallelSchedule(id int64, slots ...TimeSlot) Schedule {
	return Schedule{
		ID:         id,
		Name:       "lawn",
		TargetKind: TargetGroup,
		TargetID:   1,
		Enabled:    true,
		Slots:      slots,
		Group: &Group{ID: 1, Active: true, Members: []Device{
			{ID: 1, EntityID: "A", Active: true},
			{ID: 2, EntityID: "B", Active: true},
		}},
	}
}

func sequentialSchedule(id int64) Schedule {
	return Schedule{
		ID:         id,
		Name:       "beds",
		TargetKind: TargetGroup,
		Enabled:    true,
		Slots:      []TimeSlot{{ID: 1, Hour: 6, Minute: 0, DurationMinutes: 20, Days: "MON"}},
		Group: &Group{ID: 2, Active: true, Sequential: true, Members: []Device{
			{ID: 2, EntityID: "B", Active: true, SequenceOrder: intp(2), ZoneMinutes: 5},
			{ID: 1, EntityID: "A", Active: true, SequenceOrder: intp(1), ZoneMinutes: 10},
		}},
	}
}

type compilerFixture struct {
	tr       *fakeTransport
	triggers *fakeTriggers
	dispatch *syncDispatcher
	reg      *Registry
	c        *Compiler
	now      time.Time
}

func newCompilerFixture() *compilerFixture {
	f := &compilerFixture{
		tr:       newFakeTransport(),
		triggers: newFakeTriggers(),
		dispatch: &syncDispatcher{},
		now:      time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC),
	}
	var ex *Executor
	ex, f.reg = newTestExecutor(f.tr)
	f.c = NewCompiler(f.triggers, f.dispatch, ex, logx.Nop(), nil, WithClock(func() time.Time { return f.now }))
	return f
}

func TestCompileParallelRegistersStartAndStop(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	res := f.c.Compile(parallelSchedule(5, TimeSlot{ID: 11, Hour: 6, Minute: 0, DurationMinutes: 30, Days: "MON,WED,FRI"}))
	if !res.OK || res.Err != nil {
		t.Fatalf("Compile failed: %+v", res)
	}
	want := []string{"schedule-5-slot-11-start", "schedule-5-slot-11-stop"}
	if got := f.triggers.Names(""); !slices.Equal(got, want) {
		t.Fatalf("jobs=%v want %v", got, want)
	}
	if got := f.triggers.spec("schedule-5-slot-11-start"); got != "0 6 * * 1,3,5" {
		t.Fatalf("start spec=%q", got)
	}
	if got := f.triggers.spec("schedule-5-slot-11-stop"); got != "30 6 * * 1,3,5" {
		t.Fatalf("stop spec=%q", got)
	}
}

func TestCompileStopWrapsMidnight(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	res := f.c.Compile(parallelSchedule(5, TimeSlot{ID: 1, Hour: 23, Minute: 30, DurationMinutes: 60, Days: "SUN"}))
	if !res.OK {
		t.Fatalf("Compile failed: %v", res.Err)
	}
	if got := f.triggers.spec("schedule-5-slot-1-stop"); got != "30 0 * * 1" {
		t.Fatalf("stop spec=%q, want Monday 00:30", got)
	}
}

func TestCompileSequentialHasNoStopJob(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	res := f.c.Compile(sequentialSchedule(8))
	if !res.OK {
		t.Fatalf("Compile failed: %v", res.Err)
	}
	if got := f.triggers.Names(""); !slices.Equal(got, []string{"schedule-8-slot-1-start"}) {
		t.Fatalf("jobs=%v", got)
	}

	if err := f.triggers.fire(context.Background(), "schedule-8-slot-1-start"); err != nil {
		t.Fatalf("fire: %v", err)
	}
	want := []string{
		"on:A", "wait:10m0s running=1", "off:A",
		"on:B", "wait:5m0s running=1", "off:B",
	}
	if got := f.tr.calls(); !slices.Equal(got, want) {
		t.Fatalf("calls=%v\nwant %v", got, want)
	}
}

func TestRecompileDropsRemovedSlots(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	s := parallelSchedule(3,
		TimeSlot{ID: 1, Hour: 6, DurationMinutes: 10, Days: "MON"},
		TimeSlot{ID: 2, Hour: 7, DurationMinutes: 10, Days: "TUE"},
		TimeSlot{ID: 3, Hour: 8, DurationMinutes: 10, Days: "WED"},
	)
	if res := f.c.Compile(s); !res.OK || len(res.Registered) != 6 {
		t.Fatalf("first compile: %+v", res)
	}

	s.Slots = s.Slots[1:2]
	if res := f.c.Compile(s); !res.OK {
		t.Fatalf("recompile: %v", res.Err)
	}
	want := []string{"schedule-3-slot-2-start", "schedule-3-slot-2-stop"}
	if got := f.c.JobIDs(3); !slices.Equal(got, want) {
		t.Fatalf("jobs=%v want %v", got, want)
	}

	// Unchanged recompile is idempotent.
	if res := f.c.Compile(s); !res.OK {
		t.Fatalf("recompile: %v", res.Err)
	}
	if got := f.c.JobIDs(3); !slices.Equal(got, want) {
		t.Fatalf("jobs after idempotent compile=%v", got)
	}
}

func TestDisableRemovesOnlyThatSchedule(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	a := parallelSchedule(1, TimeSlot{ID: 1, Hour: 6, DurationMinutes: 10, Days: "MON"})
	b := parallelSchedule(10, TimeSlot{ID: 2, Hour: 7, DurationMinutes: 10, Days: "MON"})
	f.c.Compile(a)
	f.c.Compile(b)

	a.Enabled = false
	if res := f.c.Compile(a); !res.OK {
		t.Fatalf("disable: %v", res.Err)
	}
	if got := f.c.JobIDs(1); len(got) != 0 {
		t.Fatalf("disabled schedule kept jobs %v", got)
	}
	if got := f.c.JobIDs(10); len(got) != 2 {
		t.Fatalf("other schedule lost jobs: %v", got)
	}

	if n := f.c.Remove(10); n != 2 {
		t.Fatalf("Remove=%d want 2", n)
	}
}

func TestCompileFailures(t *testing.T) {
	t.Parallel()
	noTargets := parallelSchedule(1, TimeSlot{ID: 1, Hour: 6, DurationMinutes: 10, Days: "MON"})
	noTargets.Group.Active = false

	noDays := parallelSchedule(2, TimeSlot{ID: 1, Hour: 6, DurationMinutes: 10, Days: "XXX"})

	badOp := parallelSchedule(3, TimeSlot{ID: 1, Hour: 6, DurationMinutes: 10, Days: "MON"})
	badOp.Conditions = []Condition{{EntityID: "sensor.t", Kind: KindState, Operator: "~"}}

	tooLong := parallelSchedule(4, TimeSlot{ID: 1, Hour: 6, DurationMinutes: 361, Days: "MON"})

	cases := []struct {
		name string
		s    Schedule
		want error
	}{
		{"no targets", noTargets, ErrNoTargets},
		{"no valid days", noDays, ErrNoValidSlots},
		{"unknown operator", badOp, ErrUnknownOperator},
		{"duration bound", tooLong, ErrInvalidSchedule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newCompilerFixture()
			res := f.c.Compile(tc.s)
			if res.OK || !errors.Is(res.Err, tc.want) {
				t.Fatalf("want %v, got %+v", tc.want, res)
			}
			if got := f.triggers.Names(""); len(got) != 0 {
				t.Fatalf("failed compile left jobs %v", got)
			}
		})
	}
}

func TestCompileSkipsSlotWithoutDays(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	res := f.c.Compile(parallelSchedule(4,
		TimeSlot{ID: 1, Hour: 6, DurationMinutes: 10, Days: ""},
		TimeSlot{ID: 2, Hour: 7, DurationMinutes: 10, Days: "SAT"},
	))
	if !res.OK || !slices.Equal(res.SkippedSlots, []int64{1}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.c.JobIDs(4); len(got) != 2 {
		t.Fatalf("jobs=%v", got)
	}
}

func TestCompileRegistrationFailureLeavesNothing(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	f.triggers.fail["schedule-6-slot-2-stop"] = true
	res := f.c.Compile(parallelSchedule(6,
		TimeSlot{ID: 1, Hour: 6, DurationMinutes: 10, Days: "MON"},
		TimeSlot{ID: 2, Hour: 7, DurationMinutes: 10, Days: "MON"},
	))
	if res.OK || res.Err == nil {
		t.Fatalf("expected failure")
	}
	if got := f.c.JobIDs(6); len(got) != 0 {
		t.Fatalf("partial jobs left: %v", got)
	}
}

func TestRunNowSequential(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	res := f.c.RunNow(context.Background(), sequentialSchedule(8))
	if !res.OK {
		t.Fatalf("RunNow: %v", res.Err)
	}
	want := []string{
		"on:A", "wait:10m0s running=1", "off:A",
		"on:B", "wait:5m0s running=1", "off:B",
	}
	if got := f.tr.calls(); !slices.Equal(got, want) {
		t.Fatalf("calls=%v\nwant %v", got, want)
	}
	if got := f.triggers.Names(""); len(got) != 0 {
		t.Fatalf("sequential run must not arm stop jobs: %v", got)
	}
}

func TestRunNowParallelArmsManualStop(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	s := parallelSchedule(5, TimeSlot{ID: 11, Hour: 6, DurationMinutes: 30, Days: "MON"})
	f.c.Compile(s)

	res := f.c.RunNow(context.Background(), s)
	if !res.OK {
		t.Fatalf("RunNow: %v", res.Err)
	}
	stopID := ManualStopID(5, 11, f.now)
	if stopID != "manual-stop-5-11-"+strconv.FormatInt(f.now.Unix(), 10) {
		t.Fatalf("stop id=%q", stopID)
	}
	f.triggers.mu.Lock()
	at, ok := f.triggers.once[stopID]
	f.triggers.mu.Unlock()
	if !ok || !at.Equal(f.now.Add(30*time.Minute)) {
		t.Fatalf("manual stop at=%v ok=%v", at, ok)
	}
	if got := f.c.JobIDs(5); len(got) != 2 {
		t.Fatalf("recurring jobs touched: %v", got)
	}

	active := f.c.ActiveActuations()
	if !slices.Equal(active["A"], []int64{5}) || !slices.Equal(active["B"], []int64{5}) {
		t.Fatalf("active=%v", active)
	}
	if err := f.triggers.fire(context.Background(), stopID); err != nil {
		t.Fatalf("fire stop: %v", err)
	}
	if len(f.c.ActiveActuations()) != 0 {
		t.Fatalf("valves still open: %v", f.c.ActiveActuations())
	}
}

func TestRunNowConditionBlocksRun(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	f.tr.states["sensor.temp"] = "abc"
	s := sequentialSchedule(9)
	s.Conditions = []Condition{{EntityID: "sensor.temp", Kind: KindNumeric, Operator: OpLt, Value: "5"}}

	res := f.c.RunNow(context.Background(), s)
	if !res.OK {
		t.Fatalf("dispatch should succeed: %v", res.Err)
	}
	if got := f.tr.calls(); len(got) != 0 {
		t.Fatalf("schedule ran despite failed condition: %v", got)
	}
}

func TestRunNowDispatchFailureUnwindsStop(t *testing.T) {
	t.Parallel()
	f := newCompilerFixture()
	f.dispatch.err = errors.New("engine stopped")
	res := f.c.RunNow(context.Background(), parallelSchedule(5, TimeSlot{ID: 1, Hour: 6, DurationMinutes: 30, Days: "MON"}))
	if res.OK || res.Err == nil {
		t.Fatalf("expected failure")
	}
	if got := f.triggers.Names("manual-stop-"); len(got) != 0 {
		t.Fatalf("orphan manual stop left: %v", got)
	}
}

func TestParseJobID(t *testing.T) {
	t.Parallel()
	sid, slot, a, ok := ParseJobID(JobID(12, 3, ActionStop))
	if !ok || sid != 12 || slot != 3 || a != ActionStop {
		t.Fatalf("ParseJobID=%d %d %s %v", sid, slot, a, ok)
	}
	for _, bad := range []string{"manual-stop-1-2-3", "schedule-x-slot-1-start", "schedule-1-slot-1-pause"} {
		if _, _, _, ok := ParseJobID(bad); ok {
			t.Fatalf("ParseJobID(%q) accepted", bad)
		}
	}
}
