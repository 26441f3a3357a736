package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

func (s *Service) run(ctx context.Context, sem *semaphore.Weighted, qt queuedTask) {
	if qt.track {
		defer qt.state.release()
	}

	if sem != nil {
		acqCtx := ctx
		var cancel context.CancelFunc
		if qt.maxDelay > 0 {
			wait := qt.maxDelay - time.Since(qt.enqueuedAt)
			acqCtx, cancel = context.WithTimeout(ctx, wait)
		}
		s.waiting.Add(1)
		err := sem.Acquire(acqCtx, 1)
		s.waiting.Add(-1)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.onStaleDropped(time.Now(), qt.task, time.Since(qt.enqueuedAt))
			return
		}
		defer sem.Release(1)
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.execOne(ctx, qt)
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeTaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	err := s.attempt(ctx, qt)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
	}
	s.record(item)

	if err != nil {
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.TypeTaskFailed, ev)
		return
	}
	s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
	s.publish(eventbus.TypeTaskFinished, ev)
}

// attempt runs the task with its timeout. A panic becomes an error so
// one bad task cannot crash the process.
func (s *Service) attempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}
