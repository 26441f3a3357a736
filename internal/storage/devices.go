package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
)

const deviceCols = `d.id, d.entity_id, d.name, d.active, d.sequence_order, d.zone_minutes`

func scanDevice(sc interface{ Scan(...any) error }) (irrigation.Device, error) {
	var (
		d   irrigation.Device
		seq sql.NullInt64
	)
	if err := sc.Scan(&d.ID, &d.EntityID, &d.Name, &d.Active, &seq, &d.ZoneMinutes); err != nil {
		return d, err
	}
	if seq.Valid {
		v := int(seq.Int64)
		d.SequenceOrder = &v
	}
	return d, nil
}

func (s *Store) CreateDevice(ctx context.Context, d irrigation.Device) (irrigation.Device, error) {
	d.EntityID = strings.TrimSpace(d.EntityID)
	if d.EntityID == "" {
		return d, errors.New("device entity_id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices(entity_id, name, active, sequence_order, zone_minutes) VALUES(?,?,?,?,?)`,
		d.EntityID, d.Name, d.Active, nullInt(d.SequenceOrder), d.ZoneMinutes,
	)
	if isUnique(err) {
		return d, fmt.Errorf("device %s: %w", d.EntityID, ErrConflict)
	}
	if err != nil {
		return d, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return d, err
	}
	return s.GetDevice(ctx, id)
}

func (s *Store) UpdateDevice(ctx context.Context, d irrigation.Device) (irrigation.Device, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET entity_id=?, name=?, active=?, sequence_order=?, zone_minutes=? WHERE id=?`,
		strings.TrimSpace(d.EntityID), d.Name, d.Active, nullInt(d.SequenceOrder), d.ZoneMinutes, d.ID,
	)
	if isUnique(err) {
		return d, fmt.Errorf("device %s: %w", d.EntityID, ErrConflict)
	}
	if err != nil {
		return d, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return d, notFound("device", d.ID)
	}
	return s.GetDevice(ctx, d.ID)
}

func (s *Store) GetDevice(ctx context.Context, id int64) (irrigation.Device, error) {
	return getDevice(ctx, s.db, id)
}

func getDevice(ctx context.Context, q querier, id int64) (irrigation.Device, error) {
	d, err := scanDevice(q.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices d WHERE d.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, notFound("device", id)
	}
	if err != nil {
		return d, err
	}
	d.GroupIDs, err = deviceGroupIDs(ctx, q, id)
	return d, err
}

func (s *Store) ListDevices(ctx context.Context) ([]irrigation.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices d ORDER BY d.id`)
	if err != nil {
		return nil, err
	}
	var out []irrigation.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].GroupIDs, err = deviceGroupIDs(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteDevice removes the device and its group memberships.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("device", id)
	}
	return nil
}

func deviceGroupIDs(ctx context.Context, q querier, deviceID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT group_id FROM group_members WHERE device_id = ? ORDER BY group_id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
