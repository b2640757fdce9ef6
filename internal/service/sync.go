package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/messagequeue"
)

// Sync interval bounds, in hours.
const (
	MinSyncIntervalHours = 1
	MaxSyncIntervalHours = 168
	defaultRecentJobs    = 50
	maxRecentJobs        = 500
)

// Rescheduler reinstalls recurring schedules after the interval changes.
type Rescheduler interface {
	Reschedule(ctx context.Context) (int, error)
}

// SyncService is the entry point for starting, cancelling and inspecting
// sync jobs.
type SyncService struct {
	store           database.Store
	queue           messagequeue.Queue
	defaultInterval int
	rescheduler     Rescheduler
	now             func() time.Time
}

// NewSyncService creates a SyncService. defaultIntervalHours applies until
// an interval is stored.
func NewSyncService(store database.Store, queue messagequeue.Queue, defaultIntervalHours int) *SyncService {
	if defaultIntervalHours < MinSyncIntervalHours || defaultIntervalHours > MaxSyncIntervalHours {
		defaultIntervalHours = 6
	}
	return &SyncService{
		store:           store,
		queue:           queue,
		defaultInterval: defaultIntervalHours,
		now:             time.Now,
	}
}

// SetRescheduler wires the scheduler that SetSyncInterval refreshes.
func (s *SyncService) SetRescheduler(r Rescheduler) { s.rescheduler = r }

// Trigger queues a sync for one credential. It fails with
// domain.ErrConflict when a job is already pending or running for it.
func (s *SyncService) Trigger(ctx context.Context, system credential.System, credentialID string, filters *syncjob.Filters, trigger syncjob.Trigger) (*syncjob.Job, error) {
	cred, err := s.store.GetCredential(ctx, system, credentialID)
	if err != nil {
		return nil, err
	}
	if !cred.IsActive {
		return nil, fmt.Errorf("%w: credential %s is inactive", domain.ErrValidation, credentialID)
	}
	if trigger == "" {
		trigger = syncjob.TriggerManual
	}

	job, err := s.store.CreatePendingSyncJob(ctx, system, credentialID, trigger)
	if err != nil {
		return nil, err
	}

	payload := messagequeue.SyncJobPayload{
		CredentialID: credentialID,
		SyncJobID:    &job.ID,
		Trigger:      string(trigger),
	}
	if !filters.Empty() {
		payload.Filters = &messagequeue.SyncJobFilters{
			OrgIDs:      filters.OrgIDs,
			RepoIDs:     filters.RepoIDs,
			ProjectKeys: filters.ProjectKeys,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sync payload: %w", err)
	}

	subject := messagequeue.SyncSubject(syncjob.JobName(system))
	handle, err := s.queue.Enqueue(ctx, subject, data, "sync-job-"+strconv.FormatInt(job.ID, 10))
	if err != nil {
		if _, ferr := s.store.FailSyncJob(ctx, job.ID, "Could not queue job", syncjob.Progress{}, s.now()); ferr != nil {
			slog.ErrorContext(ctx, "could not mark unqueued job failed", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue sync job %d: %w", job.ID, err)
	}
	if err := s.store.SetSyncJobQueueID(ctx, job.ID, handle); err != nil {
		slog.WarnContext(ctx, "could not store queue handle", "job_id", job.ID, "error", err)
	}
	job.QueueJobID = &handle

	slog.InfoContext(ctx, "sync queued", "job_id", job.ID, "system", system, "credential_id", credentialID, "trigger", trigger)
	return job, nil
}

// Cancel marks a pending or running job cancelled and drops its queue
// entry if it has not been picked up. A running job stops at its next
// checkpoint.
func (s *SyncService) Cancel(ctx context.Context, jobID int64) (*syncjob.Job, error) {
	job, err := s.store.CancelSyncJob(ctx, jobID, s.now())
	if err != nil {
		return nil, err
	}
	if job.QueueJobID != nil {
		if err := s.queue.Remove(ctx, *job.QueueJobID); err != nil {
			slog.WarnContext(ctx, "could not remove queued job", "job_id", jobID, "error", err)
		}
	}
	slog.InfoContext(ctx, "sync cancelled", "job_id", jobID)
	return job, nil
}

// Status returns the most recent job of a credential.
func (s *SyncService) Status(ctx context.Context, system credential.System, credentialID string) (*syncjob.Job, error) {
	return s.store.LatestSyncJob(ctx, system, credentialID)
}

// RecentJobs lists the newest jobs across all credentials.
func (s *SyncService) RecentJobs(ctx context.Context, limit int) ([]syncjob.Job, error) {
	if limit <= 0 {
		limit = defaultRecentJobs
	}
	limit = min(limit, maxRecentJobs)
	return s.store.ListRecentSyncJobs(ctx, limit)
}

// SyncInterval returns the schedule interval in hours.
func (s *SyncService) SyncInterval(ctx context.Context) (int, error) {
	v, err := s.store.GetSetting(ctx, database.SettingSyncIntervalHours)
	if errors.Is(err, domain.ErrNotFound) {
		return s.defaultInterval, nil
	}
	if err != nil {
		return 0, err
	}
	hours, err := strconv.Atoi(v)
	if err != nil || hours < MinSyncIntervalHours || hours > MaxSyncIntervalHours {
		slog.WarnContext(ctx, "ignoring invalid stored sync interval", "value", v)
		return s.defaultInterval, nil
	}
	return hours, nil
}

// SetSyncInterval stores a new interval and reinstalls every schedule.
func (s *SyncService) SetSyncInterval(ctx context.Context, hours int) error {
	if hours < MinSyncIntervalHours || hours > MaxSyncIntervalHours {
		return fmt.Errorf("%w: sync interval must be between %d and %d hours",
			domain.ErrValidation, MinSyncIntervalHours, MaxSyncIntervalHours)
	}
	if err := s.store.SetSetting(ctx, database.SettingSyncIntervalHours, strconv.Itoa(hours)); err != nil {
		return err
	}
	if s.rescheduler != nil {
		if _, err := s.rescheduler.Reschedule(ctx); err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
	}
	return nil
}
