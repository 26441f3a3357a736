package irrigation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	"github.com/goatboynz/ha-irrigation-control/internal/task/scheduler"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

// fakeTransport records every command and wait in one ordered log.
type fakeTransport struct {
	mu     sync.Mutex
	log    []string
	fail   map[string]bool
	states map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: map[string]bool{}, states: map[string]string{}}
}

func (f *fakeTransport) SetDeviceState(_ context.Context, id string, on bool) error {
	verb := "off"
	if on {
		verb = "on"
	}
	call := verb + ":" + id
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[call] {
		f.log = append(f.log, "fail:"+call)
		return errors.New("device unavailable")
	}
	f.log = append(f.log, call)
	return nil
}

func (f *fakeTransport) GetDeviceState(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.states[id]
	if !ok {
		return "", fmt.Errorf("entity %s not found", id)
	}
	return v, nil
}

func (f *fakeTransport) note(s string) {
	f.mu.Lock()
	f.log = append(f.log, s)
	f.mu.Unlock()
}

func (f *fakeTransport) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// recordingWait logs each wait and checks the registry holds exactly one valve.
func recordingWait(tr *fakeTransport, reg *Registry) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		tr.note(fmt.Sprintf("wait:%s running=%d", d, reg.Len()))
		return ctx.Err()
	}
}

func newTestExecutor(tr *fakeTransport) (*Executor, *Registry) {
	reg := NewRegistry()
	return NewExecutor(tr, reg, logx.Nop(), nil, WithWait(recordingWait(tr, reg))), reg
}

type fakeTriggers struct {
	mu    sync.Mutex
	crons map[string]string
	once  map[string]time.Time
	jobs  map[string]scheduler.Job
	fail  map[string]bool
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{
		crons: map[string]string{},
		once:  map[string]time.Time{},
		jobs:  map[string]scheduler.Job{},
		fail:  map[string]bool{},
	}
}

func (f *fakeTriggers) AddCron(name, spec string, _ time.Duration, _ scheduler.TaskOptions, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[name] {
		return errors.New("trigger store unavailable")
	}
	delete(f.once, name)
	f.crons[name] = spec
	f.jobs[name] = job
	return nil
}

func (f *fakeTriggers) AddOnce(name string, at time.Time, _ time.Duration, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[name] {
		return errors.New("trigger store unavailable")
	}
	delete(f.crons, name)
	f.once[name] = at
	f.jobs[name] = job
	return nil
}

func (f *fakeTriggers) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, c := f.crons[name]
	_, o := f.once[name]
	delete(f.crons, name)
	delete(f.once, name)
	delete(f.jobs, name)
	return c || o
}

func (f *fakeTriggers) RemovePrefix(prefix string) int {
	n := 0
	for _, name := range f.Names(prefix) {
		if f.Remove(name) {
			n++
		}
	}
	return n
}

func (f *fakeTriggers) Names(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.crons {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	for name := range f.once {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeTriggers) spec(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crons[name]
}

func (f *fakeTriggers) fire(ctx context.Context, name string) error {
	f.mu.Lock()
	job := f.jobs[name]
	f.mu.Unlock()
	if job == nil {
		return fmt.Errorf("no job %s", name)
	}
	return job(ctx)
}

// syncDispatcher runs tasks inline on Enqueue.
type syncDispatcher struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (d *syncDispatcher) Enqueue(t engine.Task) error {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return d.err
	}
	d.names = append(d.names, t.Name)
	d.mu.Unlock()
	_ = t.Run(context.Background())
	return nil
}
