package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	ch    chan engine.Task
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{ch: make(chan engine.Task, 16)}
}

func (f *fakeEnqueuer) Enqueue(t engine.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	select {
	case f.ch <- t:
	default:
	}
	return nil
}

func (f *fakeEnqueuer) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Name)
	}
	return out
}

type fakeCheckpoint struct {
	mu    sync.Mutex
	last  time.Time
	marks int
}

func (f *fakeCheckpoint) LastAlive(context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, !f.last.IsZero(), nil
}

func (f *fakeCheckpoint) MarkAlive(_ context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = at
	f.marks++
	return nil
}

func (f *fakeCheckpoint) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks
}

func noop(context.Context) error { return nil }

func newTestService(t *testing.T, grace time.Duration) (*Service, *fakeEnqueuer) {
	t.Helper()
	enq := newFakeEnqueuer()
	s := New(Config{Enabled: true, MisfireGrace: grace}, enq, logx.Nop(), nil)
	return s, enq
}

func waitTask(t *testing.T, enq *fakeEnqueuer, timeout time.Duration) engine.Task {
	t.Helper()
	select {
	case tk := <-enq.ch:
		return tk
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for enqueue")
	}
	return engine.Task{}
}

func TestAddCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, 0)
	if err := s.AddCron("x", "not a cron", 0, TaskOptions{}, noop); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.AddCron("", "0 6 * * *", 0, TaskOptions{}, noop); err == nil {
		t.Fatalf("expected name error")
	}
	if s.Has("x") {
		t.Fatalf("bad spec must not register")
	}
}

func TestAddCronUpsertsByName(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, 0)
	for _, spec := range []string{"0 6 * * 1", "30 7 * * 2"} {
		if err := s.AddCron("schedule-1-slot-0-start", spec, 0, TaskOptions{}, noop); err != nil {
			t.Fatalf("AddCron: %v", err)
		}
	}
	snap := s.Snapshot()
	if len(snap.Jobs) != 1 {
		t.Fatalf("want 1 job, got %d", len(snap.Jobs))
	}
	if snap.Jobs[0].Spec != "30 7 * * 2" {
		t.Fatalf("want latest spec, got %q", snap.Jobs[0].Spec)
	}
}

func TestRemovePrefixMatchesWholeFamily(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, 0)
	names := []string{
		"schedule-1-slot-0-start",
		"schedule-1-slot-0-stop",
		"schedule-10-slot-0-start",
		"schedule-2-slot-0-start",
	}
	for _, n := range names {
		if err := s.AddCron(n, "0 6 * * *", 0, TaskOptions{}, noop); err != nil {
			t.Fatalf("AddCron(%s): %v", n, err)
		}
	}
	if got := s.RemovePrefix("schedule-1-"); got != 2 {
		t.Fatalf("RemovePrefix removed %d, want 2", got)
	}
	left := s.Names("schedule-")
	if len(left) != 2 || left[0] != "schedule-10-slot-0-start" || left[1] != "schedule-2-slot-0-start" {
		t.Fatalf("unexpected remaining names: %v", left)
	}
	if got := s.RemovePrefix(""); got != 0 {
		t.Fatalf("empty prefix must remove nothing, got %d", got)
	}
}

func TestAddOnceFiresAfterStart(t *testing.T) {
	t.Parallel()
	s, enq := newTestService(t, time.Minute)
	if err := s.AddOnce("manual-stop-1-0-1", time.Now().Add(20*time.Millisecond), time.Second, noop); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	tk := waitTask(t, enq, 2*time.Second)
	if tk.Name != "manual-stop-1-0-1" {
		t.Fatalf("unexpected task %q", tk.Name)
	}
	if tk.MaxDelay != time.Minute {
		t.Fatalf("MaxDelay=%s, want grace", tk.MaxDelay)
	}
	if s.Has("manual-stop-1-0-1") {
		t.Fatalf("one-shot must be removed after firing")
	}
}

func TestAddOnceReplaceFiresOnlyLatest(t *testing.T) {
	t.Parallel()
	s, enq := newTestService(t, time.Minute)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var mu sync.Mutex
	var fired []string
	mk := func(tag string) Job {
		return func(context.Context) error {
			mu.Lock()
			fired = append(fired, tag)
			mu.Unlock()
			return nil
		}
	}
	at := time.Now().Add(30 * time.Millisecond)
	if err := s.AddOnce("once", at, 0, mk("first")); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	if err := s.AddOnce("once", at, 0, mk("second")); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	tk := waitTask(t, enq, 2*time.Second)
	_ = tk.Run(context.Background())

	time.Sleep(80 * time.Millisecond)
	if n := len(enq.names()); n != 1 {
		t.Fatalf("want exactly one enqueue, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "second" {
		t.Fatalf("unexpected fired jobs: %v", fired)
	}
}

func TestAddOnceRejectsMissedTime(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, 5*time.Minute)
	err := s.AddOnce("late", time.Now().Add(-10*time.Minute), 0, noop)
	if !errors.Is(err, ErrMissed) {
		t.Fatalf("want ErrMissed, got %v", err)
	}
}

func TestRemoveCancelsOneShot(t *testing.T) {
	t.Parallel()
	s, enq := newTestService(t, time.Minute)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.AddOnce("once", time.Now().Add(40*time.Millisecond), 0, noop); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	if !s.Remove("once") {
		t.Fatalf("Remove reported nothing removed")
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(enq.names()); n != 0 {
		t.Fatalf("removed one-shot fired %d times", n)
	}
}

func TestLastFire(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, 0)
	sched, err := s.ParseCron("0 6 * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	day := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	cases := []struct {
		name         string
		after, until time.Time
		grace        time.Duration
		want         time.Time
	}{
		{"within grace", day(5, 0), day(6, 3), 5 * time.Minute, day(6, 0)},
		{"past grace", day(5, 0), day(6, 10), 5 * time.Minute, time.Time{}},
		{"alive after fire", day(6, 1), day(6, 3), 5 * time.Minute, time.Time{}},
		{"before fire", day(5, 0), day(5, 59), 5 * time.Minute, time.Time{}},
	}
	for _, tc := range cases {
		got := lastFire(sched, tc.after, tc.until, tc.grace)
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestCatchUpFiresMissedTriggerOnce(t *testing.T) {
	t.Parallel()
	s, enq := newTestService(t, 5*time.Minute)
	s.cfg.Timezone = "UTC"
	s.loc = time.UTC

	now := time.Date(2026, 3, 2, 6, 2, 0, 0, time.UTC)
	cp := &fakeCheckpoint{last: now.Add(-10 * time.Minute)}

	if err := s.AddCron("schedule-1-slot-0-start", "0 6 * * *", 0, TaskOptions{}, noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if err := s.AddCron("schedule-1-slot-0-stop", "30 6 * * *", 0, TaskOptions{}, noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if err := s.addInterval("internal", time.Second, 0, TaskOptions{}, noop); err != nil {
		t.Fatalf("addInterval: %v", err)
	}

	if n := s.catchUp(context.Background(), cp, now); n != 1 {
		t.Fatalf("catchUp fired %d, want 1", n)
	}
	tk := waitTask(t, enq, time.Second)
	if tk.Name != "schedule-1-slot-0-start" {
		t.Fatalf("unexpected task %q", tk.Name)
	}
	if tk.MaxDelay != 3*time.Minute {
		t.Fatalf("MaxDelay=%s, want remaining grace 3m", tk.MaxDelay)
	}
}

func TestCatchUpWithoutCheckpointHistory(t *testing.T) {
	t.Parallel()
	s, enq := newTestService(t, 5*time.Minute)
	if err := s.AddCron("job", "* * * * *", 0, TaskOptions{}, noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if n := s.catchUp(context.Background(), &fakeCheckpoint{}, time.Now()); n != 0 {
		t.Fatalf("first boot must not fire, got %d", n)
	}
	if len(enq.names()) != 0 {
		t.Fatalf("unexpected enqueue")
	}
}

func TestStartWritesHeartbeat(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, time.Minute)
	cp := &fakeCheckpoint{}
	s.SetCheckpoint(cp)
	s.Start(context.Background())
	if cp.count() == 0 {
		t.Fatalf("Start must write a heartbeat")
	}
	if !s.Has(heartbeatName) {
		t.Fatalf("heartbeat trigger missing")
	}
	before := cp.count()
	s.Stop(context.Background())
	if cp.count() <= before {
		t.Fatalf("Stop must write a final heartbeat")
	}
	if s.Running() {
		t.Fatalf("still running after Stop")
	}
}
