// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/github"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/jira"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
)

// LockTarget names a table whose rows carry advisory sync locks.
type LockTarget string

const (
	LockGitHubOrg   LockTarget = "github_organizations"
	LockJiraProject LockTarget = "jira_projects"
)

// SettingSyncIntervalHours is the app setting holding the schedule interval.
const SettingSyncIntervalHours = "sync_interval_hours"

// JobStore persists sync job rows.
type JobStore interface {
	// CreatePendingSyncJob inserts a pending job unless one is already
	// pending or running for the same system and credential, in which case
	// it returns domain.ErrConflict and inserts nothing.
	CreatePendingSyncJob(ctx context.Context, system credential.System, credentialID string, trigger syncjob.Trigger) (*syncjob.Job, error)
	// CreateRunningSyncJob inserts a job that starts immediately. Same
	// conflict rule as CreatePendingSyncJob.
	CreateRunningSyncJob(ctx context.Context, system credential.System, credentialID string, trigger syncjob.Trigger, startedAt time.Time) (*syncjob.Job, error)
	GetSyncJob(ctx context.Context, id int64) (*syncjob.Job, error)
	GetSyncJobStatus(ctx context.Context, id int64) (syncjob.Status, error)
	SetSyncJobQueueID(ctx context.Context, id int64, queueJobID string) error
	// StartSyncJob moves a pending job to running; a failed job being
	// retried is restarted. It returns false when the job was cancelled or
	// completed, and domain.ErrConflict if another job became active.
	StartSyncJob(ctx context.Context, id int64, startedAt time.Time) (bool, error)
	UpdateSyncJobProgress(ctx context.Context, id int64, p syncjob.Progress) error
	// CompleteSyncJob marks a running job completed; false if it was no
	// longer running.
	CompleteSyncJob(ctx context.Context, id int64, p syncjob.Progress, at time.Time) (bool, error)
	// FailSyncJob marks a job failed unless it was cancelled; false if it
	// was cancelled.
	FailSyncJob(ctx context.Context, id int64, errText string, p syncjob.Progress, at time.Time) (bool, error)
	// StopSyncJob records the bookkeeping of a cancelled job without
	// touching its status.
	StopSyncJob(ctx context.Context, id int64, p syncjob.Progress, at time.Time) error
	// CancelSyncJob marks a pending or running job cancelled and returns
	// it. domain.ErrNotFound if missing, domain.ErrConflict if finished.
	CancelSyncJob(ctx context.Context, id int64, at time.Time) (*syncjob.Job, error)
	LatestSyncJob(ctx context.Context, system credential.System, credentialID string) (*syncjob.Job, error)
	ListRecentSyncJobs(ctx context.Context, limit int) ([]syncjob.Job, error)
}

// CredentialStore reads credentials and writes the few fields sync owns.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *credential.Credential) error
	GetCredential(ctx context.Context, system credential.System, id string) (*credential.Credential, error)
	ListActiveCredentials(ctx context.Context, system credential.System) ([]credential.Credential, error)
	MarkCredentialSynced(ctx context.Context, system credential.System, id string, at time.Time) error
	UpdateGitHubUsername(ctx context.Context, id, username string) error
	UpdateJiraFields(ctx context.Context, id string, storyPointsFieldIDs []string, sprintFieldID string) error
}

// GitHubStore upserts global GitHub entities keyed by GitHub IDs.
type GitHubStore interface {
	UpsertGitHubOrg(ctx context.Context, o *github.Organization) error
	LinkCredentialOrg(ctx context.Context, credentialID string, orgID int64) error
	UpsertGitHubMember(ctx context.Context, m *github.Member) error
	UpsertGitHubRepo(ctx context.Context, r *github.Repository) error
	// UpsertPullRequest reports whether the row was newly inserted.
	UpsertPullRequest(ctx context.Context, pr *github.PullRequest) (created bool, err error)
	UpsertReview(ctx context.Context, r *github.Review) error
	// FindDisplayName returns a stored, non-null author name for login.
	FindDisplayName(ctx context.Context, login string) (name string, found bool, err error)
	// ListLoginsMissingNames lists authors and reviewers stored without a name.
	ListLoginsMissingNames(ctx context.Context) ([]string, error)
	SetDisplayName(ctx context.Context, login, name string) (int64, error)
}

// JiraStore upserts global Jira entities keyed by Jira IDs.
type JiraStore interface {
	UpsertJiraInstance(ctx context.Context, domain string) (*jira.Instance, error)
	UpsertJiraProject(ctx context.Context, p *jira.Project) error
	LinkCredentialProject(ctx context.Context, credentialID string, projectID int64) error
	UpsertSprint(ctx context.Context, s *jira.Sprint) error
	UpsertIssue(ctx context.Context, i *jira.Issue) (created bool, err error)
	ListAccountsMissingNames(ctx context.Context) ([]string, error)
	SetAccountName(ctx context.Context, accountID, name string) (int64, error)
}

// LockStore implements the advisory per-row sync lock.
type LockStore interface {
	// AcquireLock takes the lock on one row in a single conditional update.
	// It succeeds when the row is unlocked, already held by holder, or its
	// lock is older than timeout.
	AcquireLock(ctx context.Context, target LockTarget, id int64, holder string, timeout time.Duration) (bool, error)
	// ReleaseLock clears the lock only if holder still owns it.
	ReleaseLock(ctx context.Context, target LockTarget, id int64, holder string) error
}

// ScheduleStore holds recurring sync schedules.
type ScheduleStore interface {
	// ReplaceSchedules installs the given set in one transaction. A schedule
	// whose id and interval already exist keeps its stored next run; ids
	// absent from the set are deleted.
	ReplaceSchedules(ctx context.Context, schedules []syncjob.Schedule) error
	ListSchedules(ctx context.Context) ([]syncjob.Schedule, error)
	// ClaimDueSchedules advances every schedule due at now by its interval
	// and returns the claimed rows. Concurrent callers never claim the same
	// run twice.
	ClaimDueSchedules(ctx context.Context, now time.Time) ([]syncjob.Schedule, error)
}

// SettingsStore holds application key/value settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store is the port interface for all database operations.
type Store interface {
	JobStore
	CredentialStore
	GitHubStore
	JiraStore
	LockStore
	ScheduleStore
	SettingsStore
}
