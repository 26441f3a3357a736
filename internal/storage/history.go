package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
)

// AddHistory inserts e and returns its ID.
func (s *Store) AddHistory(ctx context.Context, e HistoryEntry) (int64, error) {
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	var ended any
	if !e.Ended.IsZero() {
		ended = fmtTime(e.Ended)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_history(schedule_id, entity_id, run_id, event_type, started_at, ended_at, status, reason)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ScheduleID, e.EntityID, e.RunID, string(e.EventType), fmtTime(e.Started), ended, string(e.Status), nullStr(e.Reason),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CloseHistory ends the newest open row for (scheduleID, entity). It reports
// whether a row was closed.
func (s *Store) CloseHistory(ctx context.Context, scheduleID int64, entity string, at time.Time, status HistoryStatus, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_history SET ended_at = ?, status = ?, reason = COALESCE(?, reason)
		 WHERE id = (
		   SELECT id FROM schedule_history
		   WHERE schedule_id = ? AND entity_id = ? AND ended_at IS NULL
		   ORDER BY id DESC LIMIT 1
		 )`,
		fmtTime(at), string(status), nullStr(reason), scheduleID, entity,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListHistory returns the newest entries first.
func (s *Store) ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, schedule_id, entity_id, run_id, event_type, started_at, ended_at, status, reason FROM schedule_history`
	args := []any{}
	if f.ScheduleID > 0 {
		q += ` WHERE schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var (
			e             HistoryEntry
			etyp, started string
			status        string
			ended, reason sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.EntityID, &e.RunID, &etyp, &started, &ended, &status, &reason); err != nil {
			return nil, err
		}
		e.EventType = irrigation.EventType(etyp)
		e.Started = parseTime(started)
		if ended.Valid {
			e.Ended = parseTime(ended.String)
		}
		e.Status = HistoryStatus(status)
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordEvent folds an executor event into run history. Events it does not
// track are ignored.
func (s *Store) RecordEvent(ctx context.Context, ev eventbus.Event) error {
	switch data := ev.Data.(type) {
	case irrigation.ValveEvent:
		return s.recordValve(ctx, ev.Type, data)
	case irrigation.RunEvent:
		if ev.Type != eventbus.TypeRunSkipped {
			return nil
		}
		for _, entity := range data.Entities {
			if _, err := s.AddHistory(ctx, HistoryEntry{
				ScheduleID: data.ScheduleID,
				EntityID:   entity,
				RunID:      data.RunID,
				EventType:  data.EventType,
				Started:    data.At,
				Ended:      data.At,
				Status:     StatusSkipped,
				Reason:     data.Reason,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) recordValve(ctx context.Context, typ string, v irrigation.ValveEvent) error {
	switch typ {
	case eventbus.TypeValveOn:
		_, err := s.AddHistory(ctx, HistoryEntry{
			ScheduleID: v.ScheduleID,
			EntityID:   v.EntityID,
			RunID:      v.RunID,
			EventType:  v.EventType,
			Started:    v.At,
			Status:     StatusRunning,
		})
		return err
	case eventbus.TypeValveOff:
		status := StatusCompleted
		if v.Interrupted {
			status = StatusInterrupted
		}
		reason := ""
		if len(v.HeldBy) > 0 {
			reason = fmt.Sprintf("valve kept open for schedules %v", v.HeldBy)
		}
		_, err := s.CloseHistory(ctx, v.ScheduleID, v.EntityID, v.At, status, reason)
		return err
	case eventbus.TypeValveFailed:
		if v.Action == irrigation.ActionStop {
			// Leave the open row; the valve is still on as far as we know.
			_, err := s.AddHistory(ctx, HistoryEntry{
				ScheduleID: v.ScheduleID, EntityID: v.EntityID, RunID: v.RunID, EventType: v.EventType,
				Started: v.At, Ended: v.At, Status: StatusError, Reason: "stop failed: " + v.Err,
			})
			return err
		}
		_, err := s.AddHistory(ctx, HistoryEntry{
			ScheduleID: v.ScheduleID, EntityID: v.EntityID, RunID: v.RunID, EventType: v.EventType,
			Started: v.At, Ended: v.At, Status: StatusError, Reason: v.Err,
		})
		return err
	}
	return nil
}

// CloseOpenHistory marks every row still running as interrupted. Called on
// start-up since no valve survives a restart under our control.
func (s *Store) CloseOpenHistory(ctx context.Context, at time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_history SET ended_at = ?, status = ?, reason = ? WHERE ended_at IS NULL`,
		fmtTime(at), string(StatusInterrupted), reason,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
