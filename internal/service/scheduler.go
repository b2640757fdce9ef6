package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
)

// Scheduler keeps one recurring schedule per active credential and
// triggers the ones that come due.
type Scheduler struct {
	store database.Store
	sync  *SyncService
	tick  time.Duration
	now   func() time.Time
}

// NewScheduler creates a scheduler polling every tick.
func NewScheduler(store database.Store, sync *SyncService, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{store: store, sync: sync, tick: tick, now: time.Now}
}

// Reschedule replaces every schedule with one per active credential at
// the current interval. It returns the number installed.
func (s *Scheduler) Reschedule(ctx context.Context) (int, error) {
	hours, err := s.sync.SyncInterval(ctx)
	if err != nil {
		return 0, err
	}
	every := time.Duration(hours) * time.Hour
	next := s.now().Add(every)

	var schedules []syncjob.Schedule
	counts := make(map[credential.System]int, len(credential.Systems))
	for _, sys := range credential.Systems {
		creds, err := s.store.ListActiveCredentials(ctx, sys)
		if err != nil {
			return 0, err
		}
		for _, c := range creds {
			schedules = append(schedules, syncjob.Schedule{
				ID:           syncjob.ScheduleID(sys, c.ID),
				System:       sys,
				CredentialID: c.ID,
				Every:        every,
				NextRunAt:    next,
			})
		}
		counts[sys] = len(creds)
	}

	if err := s.store.ReplaceSchedules(ctx, schedules); err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "sync schedules installed",
		"github", counts[credential.SystemGitHub],
		"jira", counts[credential.SystemJira],
		"interval_hours", hours)
	return len(schedules), nil
}

// Tick triggers every due schedule. Claiming advances each schedule in the
// same statement, so concurrent workers never fire the same run twice.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.store.ClaimDueSchedules(ctx, s.now())
	if err != nil {
		return 0, err
	}
	triggered := 0
	for _, sc := range due {
		_, err := s.sync.Trigger(ctx, sc.System, sc.CredentialID, nil, syncjob.TriggerScheduled)
		switch {
		case err == nil:
			triggered++
		case errors.Is(err, domain.ErrConflict):
			slog.DebugContext(ctx, "scheduled sync skipped, job already active", "schedule", sc.ID)
		default:
			slog.WarnContext(ctx, "scheduled sync not triggered", "schedule", sc.ID, "error", err)
		}
	}
	return triggered, nil
}

// Serve installs the schedules and then ticks until ctx ends.
// It satisfies suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	if _, err := s.Reschedule(ctx); err != nil {
		slog.ErrorContext(ctx, "initial reschedule failed", "error", err)
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				slog.ErrorContext(ctx, "schedule tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) String() string { return "sync-scheduler" }
