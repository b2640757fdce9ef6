package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
)

func scanSchedule(row scannable) (syncjob.Schedule, error) {
	var sc syncjob.Schedule
	var everySeconds int64
	err := row.Scan(&sc.ID, &sc.System, &sc.CredentialID, &everySeconds, &sc.NextRunAt)
	sc.Every = time.Duration(everySeconds) * time.Second
	return sc, err
}

// ReplaceSchedules installs the given set atomically. Rows whose id and
// interval are unchanged keep their next_run_at; ids missing from the set
// are removed.
func (s *Store) ReplaceSchedules(ctx context.Context, schedules []syncjob.Schedule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]string, 0, len(schedules))
	for i := range schedules {
		ids = append(ids, schedules[i].ID)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM sync_schedules WHERE NOT (id = ANY($1::text[]))`, ids); err != nil {
		return fmt.Errorf("prune schedules: %w", err)
	}
	for i := range schedules {
		sc := &schedules[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO sync_schedules (id, system, credential_id, every_seconds, next_run_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
			     system        = EXCLUDED.system,
			     credential_id = EXCLUDED.credential_id,
			     next_run_at   = CASE
			         WHEN sync_schedules.every_seconds = EXCLUDED.every_seconds
			         THEN sync_schedules.next_run_at
			         ELSE EXCLUDED.next_run_at
			     END,
			     every_seconds = EXCLUDED.every_seconds`,
			sc.ID, sc.System, sc.CredentialID, int64(sc.Every/time.Second), sc.NextRunAt)
		if err != nil {
			return fmt.Errorf("upsert schedule %s: %w", sc.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schedules: %w", err)
	}
	return nil
}

// ListSchedules returns every installed schedule, soonest first.
func (s *Store) ListSchedules(ctx context.Context) ([]syncjob.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, system, credential_id, every_seconds, next_run_at
		 FROM sync_schedules ORDER BY next_run_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []syncjob.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ClaimDueSchedules advances every due schedule by its interval and returns
// them. Row locks taken by the UPDATE make a concurrent claimer re-check
// next_run_at and skip rows already advanced.
func (s *Store) ClaimDueSchedules(ctx context.Context, now time.Time) ([]syncjob.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE sync_schedules
		 SET next_run_at = $1::timestamptz + make_interval(secs => every_seconds)
		 WHERE next_run_at <= $1::timestamptz
		 RETURNING id, system, credential_id, every_seconds, next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()

	var out []syncjob.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
