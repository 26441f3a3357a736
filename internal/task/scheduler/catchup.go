package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

type missed struct {
	def  *cronDef
	fire time.Time
}

// catchUp fires, once, each cron trigger whose last fire time fell between
// the last heartbeat and now and is no older than the misfire grace.
func (s *Service) catchUp(ctx context.Context, cp Checkpoint, now time.Time) int {
	last, ok, err := cp.LastAlive(ctx)
	if err != nil {
		s.log.Warn("scheduler checkpoint read failed; skipping catch-up", logx.Err(err))
		return 0
	}
	if !ok {
		return 0
	}

	s.mu.Lock()
	grace := s.cfg.MisfireGrace
	loc := s.loc
	var due []missed
	if grace > 0 && now.After(last) {
		if loc == nil {
			loc = time.Local
		}
		for _, d := range s.defs {
			if d.internal {
				continue
			}
			if fire := lastFire(d.sched, last.In(loc), now.In(loc), grace); !fire.IsZero() {
				due = append(due, missed{def: d, fire: fire})
			}
		}
	}
	s.mu.Unlock()

	for _, m := range due {
		late := now.Sub(m.fire)
		s.log.Info("firing missed trigger",
			logx.String("job", m.def.name),
			logx.Time("due", m.fire),
			logx.Duration("late", late),
		)
		s.enqueue(m.def.name, m.def.timeout, m.def.job, m.def.opt, m.def.state, grace-late)
	}
	if len(due) > 0 {
		s.log.Info("catch-up complete", logx.Int("fired", len(due)), logx.Time("last_alive", last))
	}
	return len(due)
}

// lastFire returns the latest fire time of sched in (after, until] that is
// within grace of until, or the zero time.
func lastFire(sched cron.Schedule, after, until time.Time, grace time.Duration) time.Time {
	from := until.Add(-grace)
	if after.After(from) {
		from = after
	}
	var out time.Time
	for t := sched.Next(from); !t.IsZero() && !t.After(until); t = sched.Next(t) {
		out = t
	}
	return out
}
