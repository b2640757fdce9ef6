package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
)

const syncJobColumns = `id, type, credential_id, trigger, status, processed_items, total_items,
	current_phase, error, queue_job_id, started_at, completed_at, created_at`

func scanSyncJob(row scannable) (syncjob.Job, error) {
	var j syncjob.Job
	err := row.Scan(&j.ID, &j.Type, &j.CredentialID, &j.Trigger, &j.Status,
		&j.ProcessedItems, &j.TotalItems, &j.CurrentPhase, &j.Error, &j.QueueJobID,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	return j, err
}

// CreatePendingSyncJob inserts a pending job for the credential.
func (s *Store) CreatePendingSyncJob(ctx context.Context, system credential.System, credentialID string, trigger syncjob.Trigger) (*syncjob.Job, error) {
	return s.createSyncJob(ctx, system, credentialID, trigger, syncjob.StatusPending, nil)
}

// CreateRunningSyncJob inserts a job that is already running.
func (s *Store) CreateRunningSyncJob(ctx context.Context, system credential.System, credentialID string, trigger syncjob.Trigger, startedAt time.Time) (*syncjob.Job, error) {
	return s.createSyncJob(ctx, system, credentialID, trigger, syncjob.StatusRunning, &startedAt)
}

func (s *Store) createSyncJob(ctx context.Context, system credential.System, credentialID string, trigger syncjob.Trigger, status syncjob.Status, startedAt *time.Time) (*syncjob.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var active int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM sync_jobs
		 WHERE type = $1 AND credential_id = $2 AND status IN ('pending', 'running')
		 LIMIT 1`, system, credentialID).Scan(&active)
	switch {
	case err == nil:
		return nil, fmt.Errorf("create sync job: job %d already active for %s %s: %w", active, system, credentialID, domain.ErrConflict)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("check active sync job: %w", err)
	}

	j, err := scanSyncJob(tx.QueryRow(ctx,
		`INSERT INTO sync_jobs (type, credential_id, trigger, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+syncJobColumns,
		system, credentialID, trigger, status, startedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create sync job for %s %s: %w", system, credentialID, domain.ErrConflict)
		}
		return nil, fmt.Errorf("create sync job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create sync job for %s %s: %w", system, credentialID, domain.ErrConflict)
		}
		return nil, fmt.Errorf("commit sync job: %w", err)
	}
	return &j, nil
}

// GetSyncJob returns a job by ID.
func (s *Store) GetSyncJob(ctx context.Context, id int64) (*syncjob.Job, error) {
	j, err := scanSyncJob(s.pool.QueryRow(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get sync job %d", id)
	}
	return &j, nil
}

// GetSyncJobStatus reads only the status column. It backs the cancellation
// checkpoints, which run often.
func (s *Store) GetSyncJobStatus(ctx context.Context, id int64) (syncjob.Status, error) {
	var st syncjob.Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM sync_jobs WHERE id = $1`, id).Scan(&st)
	if err != nil {
		return "", notFoundWrap(err, "get sync job status %d", id)
	}
	return st, nil
}

// SetSyncJobQueueID records the queue handle of an enqueued job.
func (s *Store) SetSyncJobQueueID(ctx context.Context, id int64, queueJobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sync_jobs SET queue_job_id = $2 WHERE id = $1`, id, queueJobID)
	return execExpectOne(tag, err, "set queue id of sync job %d", id)
}

// StartSyncJob moves a pending job to running. A retried delivery finds the
// job running or failed and restarts it, keeping its original start time.
// Cancelled and completed jobs are left alone.
func (s *Store) StartSyncJob(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET status = 'running', started_at = COALESCE(started_at, $2), error = NULL, completed_at = NULL
		 WHERE id = $1 AND status IN ('pending', 'running', 'failed')`, id, startedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("start sync job %d: another job is active: %w", id, domain.ErrConflict)
		}
		return false, fmt.Errorf("start sync job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSyncJobProgress writes the progress counters and phase.
func (s *Store) UpdateSyncJobProgress(ctx context.Context, id int64, p syncjob.Progress) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET processed_items = $2, total_items = $3, current_phase = $4
		 WHERE id = $1`, id, p.ProcessedItems, p.TotalItems, p.CurrentPhase)
	if err != nil {
		return fmt.Errorf("update sync job progress %d: %w", id, err)
	}
	return nil
}

// CompleteSyncJob marks a running job completed.
func (s *Store) CompleteSyncJob(ctx context.Context, id int64, p syncjob.Progress, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET status = 'completed', processed_items = $2, total_items = $3,
		     current_phase = $4, error = NULL, completed_at = $5
		 WHERE id = $1 AND status = 'running'`,
		id, p.ProcessedItems, p.TotalItems, p.CurrentPhase, at)
	if err != nil {
		return false, fmt.Errorf("complete sync job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailSyncJob marks a job failed unless it was cancelled meanwhile.
func (s *Store) FailSyncJob(ctx context.Context, id int64, errText string, p syncjob.Progress, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET status = 'failed', error = $2, processed_items = $3, total_items = $4,
		     current_phase = $5, completed_at = $6
		 WHERE id = $1 AND status <> 'cancelled'`,
		id, errText, p.ProcessedItems, p.TotalItems, p.CurrentPhase, at)
	if err != nil {
		return false, fmt.Errorf("fail sync job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// StopSyncJob records final progress on a cancelled job.
func (s *Store) StopSyncJob(ctx context.Context, id int64, p syncjob.Progress, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET processed_items = $2, total_items = $3, current_phase = $4,
		     completed_at = COALESCE(completed_at, $5)
		 WHERE id = $1`,
		id, p.ProcessedItems, p.TotalItems, p.CurrentPhase, at)
	if err != nil {
		return fmt.Errorf("stop sync job %d: %w", id, err)
	}
	return nil
}

// CancelSyncJob marks an active job cancelled.
func (s *Store) CancelSyncJob(ctx context.Context, id int64, at time.Time) (*syncjob.Job, error) {
	j, err := scanSyncJob(s.pool.QueryRow(ctx,
		`UPDATE sync_jobs SET status = 'cancelled', completed_at = $2
		 WHERE id = $1 AND status IN ('pending', 'running')
		 RETURNING `+syncJobColumns, id, at))
	if err == nil {
		return &j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel sync job %d: %w", id, err)
	}
	// Nothing updated: either missing or already finished.
	if _, err := s.GetSyncJobStatus(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("cancel sync job %d: already finished: %w", id, domain.ErrConflict)
}

// LatestSyncJob returns the most recent job for the credential.
func (s *Store) LatestSyncJob(ctx context.Context, system credential.System, credentialID string) (*syncjob.Job, error) {
	j, err := scanSyncJob(s.pool.QueryRow(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs
		 WHERE type = $1 AND credential_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, system, credentialID))
	if err != nil {
		return nil, notFoundWrap(err, "latest sync job for %s %s", system, credentialID)
	}
	return &j, nil
}

// ListRecentSyncJobs returns the newest jobs across all credentials.
func (s *Store) ListRecentSyncJobs(ctx context.Context, limit int) ([]syncjob.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []syncjob.Job
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
