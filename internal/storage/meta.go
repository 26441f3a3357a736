package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const keyLastAlive = "scheduler.last_alive"

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) PutMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// LastAlive and MarkAlive persist the scheduler heartbeat.
func (s *Store) LastAlive(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := s.GetMeta(ctx, keyLastAlive)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t := parseTime(v)
	return t, !t.IsZero(), nil
}

func (s *Store) MarkAlive(ctx context.Context, at time.Time) error {
	return s.PutMeta(ctx, keyLastAlive, fmtTime(at))
}
