package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
)

// CreateGroup stores g and its membership. Members are referenced by ID only.
func (s *Store) CreateGroup(ctx context.Context, g irrigation.Group) (irrigation.Group, error) {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return g, errors.New("group name is required")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO zone_groups(name, active, sequential) VALUES(?,?,?)`,
			g.Name, g.Active, g.Sequential,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return setMembers(ctx, tx, id, g.Members)
	})
	if isUnique(err) {
		return g, fmt.Errorf("group %s: %w", g.Name, ErrConflict)
	}
	if err != nil {
		return g, err
	}
	return s.GetGroup(ctx, id)
}

// UpdateGroup replaces the group's fields and membership.
func (s *Store) UpdateGroup(ctx context.Context, g irrigation.Group) (irrigation.Group, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE zone_groups SET name=?, active=?, sequential=? WHERE id=?`,
			strings.TrimSpace(g.Name), g.Active, g.Sequential, g.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("group", g.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, g.ID); err != nil {
			return err
		}
		return setMembers(ctx, tx, g.ID, g.Members)
	})
	if isUnique(err) {
		return g, fmt.Errorf("group %s: %w", g.Name, ErrConflict)
	}
	if err != nil {
		return g, err
	}
	return s.GetGroup(ctx, g.ID)
}

func setMembers(ctx context.Context, tx *sql.Tx, groupID int64, members []irrigation.Device) error {
	for _, m := range members {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members(group_id, device_id) VALUES(?,?)`, groupID, m.ID)
		if err != nil {
			return fmt.Errorf("add device %d to group %d: %w", m.ID, groupID, err)
		}
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id int64) (irrigation.Group, error) {
	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, q querier, id int64) (irrigation.Group, error) {
	var g irrigation.Group
	err := q.QueryRowContext(ctx, `SELECT id, name, active, sequential FROM zone_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.Active, &g.Sequential)
	if errors.Is(err, sql.ErrNoRows) {
		return g, notFound("group", id)
	}
	if err != nil {
		return g, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM devices d JOIN group_members m ON m.device_id = d.id
		 WHERE m.group_id = ? ORDER BY d.id`, id)
	if err != nil {
		return g, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return g, err
		}
		g.Members = append(g.Members, d)
	}
	return g, rows.Err()
}

func (s *Store) ListGroups(ctx context.Context) ([]irrigation.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM zone_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	out := make([]irrigation.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zone_groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("group", id)
	}
	return nil
}
