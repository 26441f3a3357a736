// Package control is the write path for schedules: every change is saved
// to the store first and then pushed into the live trigger set, so the
// two never drift apart for longer than one call.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	"github.com/goatboynz/ha-irrigation-control/internal/storage"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

var ErrTargetNotFound = errors.New("schedule target does not exist")

// Store is the part of *storage.Store used here.
type Store interface {
	CreateSchedule(ctx context.Context, sc irrigation.Schedule) (irrigation.Schedule, error)
	UpdateSchedule(ctx context.Context, id int64, p storage.SchedulePatch) (irrigation.Schedule, error)
	DeleteSchedule(ctx context.Context, id int64) error
	GetSchedule(ctx context.Context, id int64) (irrigation.Schedule, error)
	ListSchedules(ctx context.Context) ([]irrigation.Schedule, error)
	SchedulesForTarget(ctx context.Context, kind irrigation.TargetKind, id int64) ([]int64, error)
	GetDevice(ctx context.Context, id int64) (irrigation.Device, error)
	GetGroup(ctx context.Context, id int64) (irrigation.Group, error)
	UpdateDevice(ctx context.Context, d irrigation.Device) (irrigation.Device, error)
	UpdateGroup(ctx context.Context, g irrigation.Group) (irrigation.Group, error)
}

// Engine is the part of *irrigation.Compiler used here.
type Engine interface {
	Compile(s irrigation.Schedule) irrigation.Result
	Remove(scheduleID int64) int
	RunNow(ctx context.Context, s irrigation.Schedule) irrigation.Result
	Limits() irrigation.Limits
}

// Outcome of a save. Saved with !JobsActive is a partial success: the
// record is stored but nothing will fire until it is fixed. Warning says why.
type Outcome struct {
	Schedule   irrigation.Schedule
	Saved      bool
	JobsActive bool
	Jobs       []string
	Warning    string
}

type Service struct {
	store Store
	eng   Engine
	log   logx.Logger
}

func New(store Store, eng Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, eng: eng, log: log}
}

// CreateSchedule validates and stores sc, then compiles it when enabled.
func (s *Service) CreateSchedule(ctx context.Context, sc irrigation.Schedule) (Outcome, error) {
	if err := s.check(ctx, sc); err != nil {
		return Outcome{}, err
	}
	saved, err := s.store.CreateSchedule(ctx, sc)
	if err != nil {
		return Outcome{}, fmt.Errorf("save schedule: %w", err)
	}
	s.log.Info("schedule created", logx.Schedule(saved.ID), logx.String("name", saved.Name))
	return s.sync(saved), nil
}

// UpdateSchedule applies p to schedule id. The patched schedule is checked
// before anything is written.
func (s *Service) UpdateSchedule(ctx context.Context, id int64, p storage.SchedulePatch) (Outcome, error) {
	cur, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.check(ctx, applyPatch(cur, p)); err != nil {
		return Outcome{}, err
	}
	saved, err := s.store.UpdateSchedule(ctx, id, p)
	if err != nil {
		return Outcome{}, fmt.Errorf("save schedule %d: %w", id, err)
	}
	s.log.Info("schedule updated", logx.Schedule(id), logx.Bool("enabled", saved.Enabled))
	return s.sync(saved), nil
}

// DeleteSchedule drops the schedule's triggers, then the record. Runs that
// are already watering finish on their own.
func (s *Service) DeleteSchedule(ctx context.Context, id int64) error {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return err
	}
	s.eng.Remove(id)
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule %d: %w", id, err)
	}
	s.log.Info("schedule deleted", logx.Schedule(id))
	return nil
}

// RunSchedule waters schedule id now, whether or not it is enabled.
func (s *Service) RunSchedule(ctx context.Context, id int64) (irrigation.Result, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return irrigation.Result{}, err
	}
	res := s.eng.RunNow(ctx, sc)
	if !res.OK {
		return res, res.Err
	}
	return res, nil
}

// UpdateDevice saves d and recompiles the schedules that water it directly.
// Schedules reaching it through a group are refreshed by UpdateGroup.
func (s *Service) UpdateDevice(ctx context.Context, d irrigation.Device) (irrigation.Device, error) {
	saved, err := s.store.UpdateDevice(ctx, d)
	if err != nil {
		return saved, err
	}
	if _, err := s.Refresh(ctx, irrigation.TargetDevice, saved.ID); err != nil {
		return saved, err
	}
	for _, gid := range saved.GroupIDs {
		if _, err := s.Refresh(ctx, irrigation.TargetGroup, gid); err != nil {
			return saved, err
		}
	}
	return saved, nil
}

func (s *Service) UpdateGroup(ctx context.Context, g irrigation.Group) (irrigation.Group, error) {
	saved, err := s.store.UpdateGroup(ctx, g)
	if err != nil {
		return saved, err
	}
	_, err = s.Refresh(ctx, irrigation.TargetGroup, saved.ID)
	return saved, err
}

// Refresh recompiles every schedule pointing at the target and returns how
// many were touched.
func (s *Service) Refresh(ctx context.Context, kind irrigation.TargetKind, id int64) (int, error) {
	ids, err := s.store.SchedulesForTarget(ctx, kind, id)
	if err != nil {
		return 0, err
	}
	for _, sid := range ids {
		sc, err := s.store.GetSchedule(ctx, sid)
		if err != nil {
			return 0, err
		}
		s.sync(sc)
	}
	return len(ids), nil
}

// Summary of a Reconcile pass.
type Summary struct {
	Compiled int
	Disabled int
	Failed   []int64
}

// Reconcile compiles every enabled schedule in the store. Failures are
// logged per schedule and do not stop the pass.
func (s *Service) Reconcile(ctx context.Context) (Summary, error) {
	all, err := s.store.ListSchedules(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list schedules: %w", err)
	}
	var sum Summary
	for _, sc := range all {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if !sc.Enabled {
			sum.Disabled++
			continue
		}
		if res := s.eng.Compile(sc); res.OK {
			sum.Compiled++
		} else {
			sum.Failed = append(sum.Failed, sc.ID)
		}
	}
	s.log.Info("schedules reconciled",
		logx.Int("compiled", sum.Compiled),
		logx.Int("disabled", sum.Disabled),
		logx.Int("failed", len(sum.Failed)),
	)
	return sum, nil
}

func (s *Service) sync(sc irrigation.Schedule) Outcome {
	out := Outcome{Schedule: sc, Saved: true}
	if !sc.Enabled {
		s.eng.Remove(sc.ID)
		return out
	}
	res := s.eng.Compile(sc)
	if !res.OK {
		out.Warning = fmt.Sprintf("schedule saved but not scheduled: %v", res.Err)
		s.log.Warn("schedule saved without active jobs", logx.Schedule(sc.ID), logx.Err(res.Err))
		return out
	}
	out.JobsActive = true
	out.Jobs = res.Registered
	if n := len(res.SkippedSlots); n > 0 {
		out.Warning = fmt.Sprintf("%d time slot(s) have no valid weekday and were skipped", n)
	}
	return out
}

func (s *Service) check(ctx context.Context, sc irrigation.Schedule) error {
	if err := irrigation.Validate(sc, s.eng.Limits()); err != nil {
		return err
	}
	var err error
	switch sc.TargetKind {
	case irrigation.TargetDevice:
		_, err = s.store.GetDevice(ctx, sc.TargetID)
	case irrigation.TargetGroup:
		_, err = s.store.GetGroup(ctx, sc.TargetID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %d: %w", sc.TargetKind, sc.TargetID, ErrTargetNotFound)
	}
	return err
}

func applyPatch(sc irrigation.Schedule, p storage.SchedulePatch) irrigation.Schedule {
	if p.Name != nil {
		sc.Name = *p.Name
	}
	if p.TargetKind != nil {
		sc.TargetKind = *p.TargetKind
	}
	if p.TargetID != nil {
		sc.TargetID = *p.TargetID
	}
	if p.Enabled != nil {
		sc.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		sc.Priority = *p.Priority
	}
	if p.EventType != nil {
		sc.EventType = *p.EventType
	}
	if p.Slots != nil {
		sc.Slots = *p.Slots
	}
	if p.Conditions != nil {
		sc.Conditions = *p.Conditions
	}
	return sc
}
