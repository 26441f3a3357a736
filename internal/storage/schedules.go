package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
)

// CreateSchedule stores s with its slots and conditions and returns the
// hydrated record. IDs on s, its slots and conditions are ignored.
func (s *Store) CreateSchedule(ctx context.Context, sc irrigation.Schedule) (irrigation.Schedule, error) {
	if sc.EventType == "" {
		sc.EventType = irrigation.EventManual
	}
	now := fmtTime(time.Now())
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO schedules(name, target_kind, target_id, enabled, priority, event_type, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			sc.Name, string(sc.TargetKind), sc.TargetID, sc.Enabled, sc.Priority, string(sc.EventType), now, now,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if err := insertSlots(ctx, tx, id, sc.Slots); err != nil {
			return err
		}
		return insertConditions(ctx, tx, id, sc.Conditions)
	})
	if err != nil {
		return irrigation.Schedule{}, err
	}
	return s.GetSchedule(ctx, id)
}

// UpdateSchedule applies p and returns the hydrated record.
func (s *Store) UpdateSchedule(ctx context.Context, id int64, p SchedulePatch) (irrigation.Schedule, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scheduleRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Name != nil {
			cur.Name = *p.Name
		}
		if p.TargetKind != nil {
			cur.TargetKind = *p.TargetKind
		}
		if p.TargetID != nil {
			cur.TargetID = *p.TargetID
		}
		if p.Enabled != nil {
			cur.Enabled = *p.Enabled
		}
		if p.Priority != nil {
			cur.Priority = *p.Priority
		}
		if p.EventType != nil {
			cur.EventType = *p.EventType
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET name=?, target_kind=?, target_id=?, enabled=?, priority=?, event_type=?, updated_at=? WHERE id=?`,
			cur.Name, string(cur.TargetKind), cur.TargetID, cur.Enabled, cur.Priority, string(cur.EventType), fmtTime(time.Now()), id,
		); err != nil {
			return err
		}
		if p.Slots != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM time_slots WHERE schedule_id = ?`, id); err != nil {
				return err
			}
			if err := insertSlots(ctx, tx, id, *p.Slots); err != nil {
				return err
			}
		}
		if p.Conditions != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM conditions WHERE schedule_id = ?`, id); err != nil {
				return err
			}
			if err := insertConditions(ctx, tx, id, *p.Conditions); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return irrigation.Schedule{}, err
	}
	return s.GetSchedule(ctx, id)
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("schedule", id)
	}
	return nil
}

// GetSchedule returns the hydrated schedule. A target that no longer exists
// leaves Device and Group nil; the resolver then reports no targets.
func (s *Store) GetSchedule(ctx context.Context, id int64) (irrigation.Schedule, error) {
	sc, err := scheduleRow(ctx, s.db, id)
	if err != nil {
		return sc, err
	}
	if err := s.hydrate(ctx, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]irrigation.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}
	var out []irrigation.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.hydrate(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SchedulesForTarget lists IDs of schedules that point at the device or group.
func (s *Store) SchedulesForTarget(ctx context.Context, kind irrigation.TargetKind, id int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM schedules WHERE target_kind = ? AND target_id = ? ORDER BY id`, string(kind), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const scheduleCols = `id, name, target_kind, target_id, enabled, priority, event_type`

func scanSchedule(sc interface{ Scan(...any) error }) (irrigation.Schedule, error) {
	var (
		out        irrigation.Schedule
		kind, etyp string
	)
	if err := sc.Scan(&out.ID, &out.Name, &kind, &out.TargetID, &out.Enabled, &out.Priority, &etyp); err != nil {
		return out, err
	}
	out.TargetKind = irrigation.TargetKind(kind)
	out.EventType = irrigation.EventType(etyp)
	return out, nil
}

func scheduleRow(ctx context.Context, q querier, id int64) (irrigation.Schedule, error) {
	sc, err := scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sc, notFound("schedule", id)
	}
	return sc, err
}

func (s *Store) hydrate(ctx context.Context, sc *irrigation.Schedule) error {
	var err error
	if sc.Slots, err = loadSlots(ctx, s.db, sc.ID); err != nil {
		return err
	}
	if sc.Conditions, err = loadConditions(ctx, s.db, sc.ID); err != nil {
		return err
	}
	switch sc.TargetKind {
	case irrigation.TargetDevice:
		d, err := getDevice(ctx, s.db, sc.TargetID)
		if err == nil {
			sc.Device = &d
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	case irrigation.TargetGroup:
		g, err := getGroup(ctx, s.db, sc.TargetID)
		if err == nil {
			sc.Group = &g
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func insertSlots(ctx context.Context, tx *sql.Tx, scheduleID int64, slots []irrigation.TimeSlot) error {
	for i, sl := range slots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO time_slots(schedule_id, position, hour, minute, duration_minutes, days) VALUES(?,?,?,?,?,?)`,
			scheduleID, i, sl.Hour, sl.Minute, sl.DurationMinutes, sl.Days,
		); err != nil {
			return err
		}
	}
	return nil
}

func insertConditions(ctx context.Context, tx *sql.Tx, scheduleID int64, conds []irrigation.Condition) error {
	for i, c := range conds {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conditions(schedule_id, position, entity_id, kind, operator, value) VALUES(?,?,?,?,?,?)`,
			scheduleID, i, c.EntityID, string(c.Kind), string(c.Operator), c.Value,
		); err != nil {
			return err
		}
	}
	return nil
}

func loadSlots(ctx context.Context, q querier, scheduleID int64) ([]irrigation.TimeSlot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, hour, minute, duration_minutes, days FROM time_slots WHERE schedule_id = ? ORDER BY position, id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []irrigation.TimeSlot
	for rows.Next() {
		var sl irrigation.TimeSlot
		if err := rows.Scan(&sl.ID, &sl.Hour, &sl.Minute, &sl.DurationMinutes, &sl.Days); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func loadConditions(ctx context.Context, q querier, scheduleID int64) ([]irrigation.Condition, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, entity_id, kind, operator, value FROM conditions WHERE schedule_id = ? ORDER BY position, id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []irrigation.Condition
	for rows.Next() {
		var (
			c        irrigation.Condition
			kind, op string
		)
		if err := rows.Scan(&c.ID, &c.EntityID, &kind, &op, &c.Value); err != nil {
			return nil, err
		}
		c.Kind, c.Operator = irrigation.ConditionKind(kind), irrigation.Operator(op)
		out = append(out, c)
	}
	return out, rows.Err()
}
