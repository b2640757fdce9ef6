// Package syncjob defines the sync job entity, its lifecycle and the job
// descriptor carried through the queue.
package syncjob

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
)

// Status represents the current state of a sync job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status blocks another job for the same credential.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Trigger records what started a job.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Job is one sync attempt for one credential.
type Job struct {
	ID             int64             `json:"id"`
	Type           credential.System `json:"type"`
	CredentialID   string            `json:"credential_id"`
	Trigger        Trigger           `json:"trigger"`
	Status         Status            `json:"status"`
	ProcessedItems int               `json:"processed_items"`
	TotalItems     int               `json:"total_items"`
	CurrentPhase   *string           `json:"current_phase,omitempty"`
	Error          *string           `json:"error,omitempty"`
	QueueJobID     *string           `json:"queue_job_id,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Progress is the slice of a job row written by the progress reporter.
type Progress struct {
	ProcessedItems int
	TotalItems     int
	CurrentPhase   *string
}

// Filters optionally restrict which entities a sync visits. Org and repo IDs
// are local row IDs; project keys are Jira project keys.
type Filters struct {
	OrgIDs      []int64  `json:"orgIds,omitempty"`
	RepoIDs     []int64  `json:"repoIds,omitempty"`
	ProjectKeys []string `json:"projectKeys,omitempty"`
}

// Empty reports whether no filter is set.
func (f *Filters) Empty() bool {
	return f == nil || (len(f.OrgIDs) == 0 && len(f.RepoIDs) == 0 && len(f.ProjectKeys) == 0)
}

// AllowsOrg reports whether the organization row passes the filter.
func (f *Filters) AllowsOrg(id int64) bool {
	return f == nil || len(f.OrgIDs) == 0 || containsInt(f.OrgIDs, id)
}

// AllowsRepo reports whether the repository row passes the filter.
func (f *Filters) AllowsRepo(id int64) bool {
	return f == nil || len(f.RepoIDs) == 0 || containsInt(f.RepoIDs, id)
}

// AllowsProject reports whether the Jira project key passes the filter.
func (f *Filters) AllowsProject(key string) bool {
	if f == nil || len(f.ProjectKeys) == 0 {
		return true
	}
	for _, k := range f.ProjectKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func containsInt(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Descriptor is the queue payload describing one sync attempt.
type Descriptor struct {
	System       credential.System `json:"system"`
	CredentialID string            `json:"credentialId"`
	SyncJobID    *int64            `json:"syncJobId,omitempty"`
	Trigger      Trigger           `json:"trigger,omitempty"`
	Filters      *Filters          `json:"filters,omitempty"`
}

// JobName is the queue job name for a system ("github-sync", "jira-sync").
func JobName(s credential.System) string {
	return string(s) + "-sync"
}

// SystemFromJobName is the inverse of JobName.
func SystemFromJobName(name string) (credential.System, error) {
	sys, ok := strings.CutSuffix(name, "-sync")
	if !ok {
		return "", fmt.Errorf("not a sync job name: %q", name)
	}
	return credential.ParseSystem(sys)
}

// ScheduleID is the deterministic identifier of a credential's recurring job.
func ScheduleID(s credential.System, credentialID string) string {
	return "scheduled:" + string(s) + ":" + credentialID
}

// Schedule is one installed recurring job.
type Schedule struct {
	ID           string            `json:"id"`
	System       credential.System `json:"system"`
	CredentialID string            `json:"credential_id"`
	Every        time.Duration     `json:"every"`
	NextRunAt    time.Time         `json:"next_run_at"`
}
