package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

var ErrMissed = errors.New("one-shot time already past the misfire grace")

// ParseCron validates a cron expression with the scheduler's parser. Five
// field expressions and descriptors such as "@daily" are accepted; an
// optional leading seconds field is allowed.
func (s *Service) ParseCron(spec string) (cron.Schedule, error) {
	return s.parser.Parse(strings.TrimSpace(spec))
}

// AddCron registers or replaces the trigger called name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, opt TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	spec = strings.TrimSpace(spec)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", spec, err)
	}
	s.upsert(&cronDef{name: name, spec: spec, sched: sched, timeout: timeout, job: job, opt: opt, state: &engine.RunState{}})
	return nil
}

// addInterval registers a fixed-interval trigger for the scheduler's own
// housekeeping. Catch-up skips it.
func (s *Service) addInterval(name string, every, timeout time.Duration, opt TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if every <= 0 {
		return fmt.Errorf("interval must be > 0, got %s", every)
	}
	s.upsert(&cronDef{
		name:     name,
		spec:     "@every " + every.String(),
		sched:    cron.Every(every),
		timeout:  timeout,
		job:      job,
		opt:      opt,
		state:    &engine.RunState{},
		internal: true,
	})
	return nil
}

func (s *Service) upsert(d *cronDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(d.name)
	s.removeOnce(d.name)
	s.defs[d.name] = d
	if s.c == nil {
		return
	}
	s.addCronLocked(d)
	s.log.Debug("trigger registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Time("next", s.c.Entry(d.entryID).Next))
}

func (s *Service) addCronLocked(d *cronDef) {
	name, timeout, job, opt, st, internal := d.name, d.timeout, d.job, d.opt, d.state, d.internal
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() {
		s.enqueue(name, timeout, job, opt, st, s.grace())
		if internal {
			return
		}
		// Record the fire so a restart does not replay it during catch-up.
		s.mu.Lock()
		cp := s.checkpoint
		s.mu.Unlock()
		if cp != nil {
			s.touch(cp)
		}
	}))
}

func (s *Service) removeCronLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// AddOnce registers or replaces a trigger that fires once at at. A time in
// the past fires immediately unless it is older than the misfire grace.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if g := s.grace(); g > 0 && time.Since(at) > g {
		return fmt.Errorf("%s: %w", name, ErrMissed)
	}

	s.mu.Lock()
	s.removeCronLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.once[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.verSq++
	o := &onceDef{at: at, timeout: timeout, job: job, ver: s.verSq}
	s.once[name] = o
	if running {
		s.armLocked(name, o)
	}
	return nil
}

func (s *Service) armLocked(name string, o *onceDef) {
	delay := max(time.Until(o.at), 0)
	ver := o.ver
	o.timer = time.AfterFunc(delay, func() { s.fireOnce(name, ver) })
}

func (s *Service) fireOnce(name string, ver uint64) {
	s.tmu.Lock()
	o, ok := s.once[name]
	if !ok || o.ver != ver {
		// removed or replaced after the timer was armed
		s.tmu.Unlock()
		return
	}
	delete(s.once, name)
	s.tmu.Unlock()

	s.enqueue(name, o.timeout, o.job, TaskOptions{}, nil, s.grace())
}

func (s *Service) rebuildOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, o := range s.once {
		if o.timer != nil {
			o.timer.Stop()
		}
		s.armLocked(name, o)
	}
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	o, ok := s.once[name]
	if !ok {
		return false
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// Remove deletes the trigger called name. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeCronLocked(name)
	s.mu.Unlock()
	if s.removeOnce(name) {
		removed = true
	}
	return removed
}

// RemovePrefix deletes every trigger whose name starts with prefix and
// returns how many were removed.
func (s *Service) RemovePrefix(prefix string) int {
	if prefix == "" {
		return 0
	}
	n := 0
	for _, name := range s.Names(prefix) {
		if s.Remove(name) {
			n++
		}
	}
	return n
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	_, ok := s.defs[name]
	s.mu.Unlock()
	if ok {
		return true
	}
	s.tmu.Lock()
	_, ok = s.once[name]
	s.tmu.Unlock()
	return ok
}

// Names lists registered trigger names with the given prefix, sorted.
func (s *Service) Names(prefix string) []string {
	var out []string
	s.mu.Lock()
	for name := range s.defs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	s.mu.Unlock()
	s.tmu.Lock()
	for name := range s.once {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	s.tmu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Service) grace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MisfireGrace
}
