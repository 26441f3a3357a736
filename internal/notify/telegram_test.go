package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestSendAlertPrefixAndError(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	n := newNotifier(Config{RatePerSec: 100}, f, logx.Nop())

	if err := n.SendAlert(context.Background(), "transport down"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	if got := f.messages(); len(got) != 1 || got[0] != "⚠️ transport down" {
		t.Fatalf("sent = %q", got)
	}

	f.err = errors.New("chat not found")
	if err := n.Notify(context.Background(), PriorityCritical, "x"); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestNotifyHonoursContext(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	n := newNotifier(Config{RatePerSec: 0.001}, f, logx.Nop())
	// burst of one is spent by the first message
	_ = n.Notify(context.Background(), PriorityInfo, "first")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Notify(ctx, PriorityInfo, "second"); err == nil {
		t.Fatalf("expected limiter wait to fail")
	}
	if got := len(f.messages()); got != 1 {
		t.Fatalf("sent %d messages", got)
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()
	quiet := newNotifier(Config{}, &fakeSender{}, logx.Nop())
	chatty := newNotifier(Config{NotifyRuns: true}, &fakeSender{}, logx.Nop())

	cases := []struct {
		name string
		n    *Notifier
		ev   eventbus.Event
		want Priority
		text string
	}{
		{
			name: "stop failure is critical",
			n:    quiet,
			ev:   eventbus.Event{Type: eventbus.TypeValveFailed, Data: irrigation.ValveEvent{EntityID: "switch.zone_a", Action: irrigation.ActionStop, ScheduleID: 3, Err: "timeout"}},
			want: PriorityCritical,
			text: "valve switch.zone_a failed to stop (schedule 3): timeout",
		},
		{
			name: "start failure warns",
			n:    quiet,
			ev:   eventbus.Event{Type: eventbus.TypeValveFailed, Data: irrigation.ValveEvent{EntityID: "switch.zone_a", Action: irrigation.ActionStart}},
			want: PriorityWarn,
			text: "failed to start",
		},
		{
			name: "failed run",
			n:    quiet,
			ev:   eventbus.Event{Type: eventbus.TypeRunFinished, Data: irrigation.RunEvent{ScheduleID: 1, Action: irrigation.ActionStart, Failed: 1, Entities: []string{"a", "b"}}},
			want: PriorityWarn,
			text: "1 of 2 valves failed",
		},
		{
			name: "finished sequential run",
			n:    chatty,
			ev:   eventbus.Event{Type: eventbus.TypeRunFinished, Data: irrigation.RunEvent{ScheduleID: 1, Action: irrigation.ActionStart, Sequential: true, Entities: []string{"a"}, Duration: 90 * time.Second}},
			want: PriorityInfo,
			text: "finished watering a in 1m30s",
		},
		{
			name: "skip",
			n:    chatty,
			ev:   eventbus.Event{Type: eventbus.TypeRunSkipped, Data: irrigation.RunEvent{ScheduleID: 2, Reason: "conditions not met: sensor.rain"}},
			want: PriorityInfo,
			text: "schedule 2 skipped: conditions not met",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, text, ok := tc.n.Message(tc.ev)
			if !ok || p != tc.want || !strings.Contains(text, tc.text) {
				t.Fatalf("Message = %d %q %v", p, text, ok)
			}
		})
	}

	silent := []eventbus.Event{
		{Type: eventbus.TypeRunFinished, Data: irrigation.RunEvent{Action: irrigation.ActionStop}},
		{Type: eventbus.TypeRunSkipped, Data: irrigation.RunEvent{}},
		{Type: eventbus.TypeValveOn, Data: irrigation.ValveEvent{}},
		{Type: eventbus.TypeValveFailed, Data: "bogus"},
	}
	for _, ev := range silent {
		if _, text, ok := quiet.Message(ev); ok {
			t.Fatalf("%s should be silent, got %q", ev.Type, text)
		}
	}
	// parallel start runs are reported by their stop run
	if _, _, ok := chatty.Message(eventbus.Event{Type: eventbus.TypeRunFinished, Data: irrigation.RunEvent{Action: irrigation.ActionStart}}); ok {
		t.Fatalf("parallel start run should be silent")
	}
}

func TestRunForwardsFailures(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	n := newNotifier(Config{RatePerSec: 100}, f, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no alert sent")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeValveFailed, Data: irrigation.ValveEvent{EntityID: "switch.zone_a", Action: irrigation.ActionStop}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if got := f.messages()[0]; !strings.HasPrefix(got, "🚨 ") {
		t.Fatalf("message = %q", got)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 {
		t.Fatalf("split short = %q", got)
	}
	got := splitText("aaaa\nbbbbbbbbbb", 8)
	if len(got) != 3 || got[0] != "aaaa\n" {
		t.Fatalf("split = %q", got)
	}
	if strings.Join(got, "") != "aaaa\nbbbbbbbbbb" {
		t.Fatalf("split lost text: %q", got)
	}
	if _, err := New(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("New disabled err = %v", err)
	}
}
