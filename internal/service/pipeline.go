package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/ashwinsrini/how-do-i-fare/internal/adapter/otel"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/logger"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/messagequeue"
)

// ErrCredentialUnavailable means the job's credential is missing or
// inactive. Retrying cannot help.
var ErrCredentialUnavailable = fmt.Errorf("credential not found or inactive: %w", messagequeue.ErrTerminal)

// ErrCredentialUndecryptable means the stored secret cannot be decrypted
// with the current master key.
var ErrCredentialUndecryptable = fmt.Errorf("credential could not be decrypted: %w", messagequeue.ErrTerminal)

// errStopped unwinds a sync that observed a cancellation.
var errStopped = errors.New("sync cancelled")

const (
	credentialUnavailableText   = "Credential not found or inactive"
	credentialUndecryptableText = "Credential could not be decrypted"
	releaseTimeout              = 10 * time.Second
)

// Scope is one lockable unit of a sync: an organization or a project.
type Scope struct {
	Label  string
	Target database.LockTarget
	ID     int64 // local row ID, set by Session.Prepare
	Data   any   // owned by the session
}

// Run is what a session knows about the job it serves.
type Run struct {
	Job        *syncjob.Job
	Credential *credential.Credential
	Secret     string // decrypted; never logged
	Filters    *syncjob.Filters
	Since      *time.Time // last successful sync; nil means full sync
	Progress   *Progress
}

// Incremental reports whether only changes since the last sync are fetched.
func (r *Run) Incremental() bool { return r.Since != nil }

// Source plugs one external system into the pipeline.
type Source interface {
	System() credential.System
	Open(ctx context.Context, run *Run) (Session, error)
}

// Session is one job's traversal of a system. Sync runs with the scope's
// lock held and returns errStopped when it observes a cancellation.
type Session interface {
	Discover(ctx context.Context) ([]Scope, error)
	Prepare(ctx context.Context, scope *Scope) (include bool, err error)
	Sync(ctx context.Context, scope *Scope) error
	Backfill(ctx context.Context) error
}

// Decrypter opens stored credential secrets.
type Decrypter interface {
	Decrypt(encrypted string) (string, error)
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	LockTimeout   time.Duration
	FlushInterval time.Duration
	ErrorMaxLen   int
}

// Pipeline runs sync jobs: it owns the job row lifecycle, the per-scope
// lock, cancellation checkpoints and error sanitization, and delegates the
// traversal of each system to its Source.
type Pipeline struct {
	store   database.Store
	secrets Decrypter
	sources map[credential.System]Source
	cfg     PipelineConfig
	metrics *cfotel.Metrics
	now     func() time.Time
}

// NewPipeline creates a pipeline over the given sources.
func NewPipeline(store database.Store, secrets Decrypter, cfg PipelineConfig, sources ...Source) *Pipeline {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Minute
	}
	if cfg.ErrorMaxLen <= 0 {
		cfg.ErrorMaxLen = DefaultErrorMaxLen
	}
	p := &Pipeline{
		store:   store,
		secrets: secrets,
		sources: make(map[credential.System]Source, len(sources)),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, s := range sources {
		p.sources[s.System()] = s
	}
	return p
}

// SetMetrics attaches OTEL instruments.
func (p *Pipeline) SetMetrics(m *cfotel.Metrics) { p.metrics = m }

// Run executes one job described by desc. A nil return acknowledges the
// job: it completed, was cancelled, or was superseded. Errors wrapping
// messagequeue.ErrTerminal must not be retried.
func (p *Pipeline) Run(ctx context.Context, desc syncjob.Descriptor) error {
	src, ok := p.sources[desc.System]
	if !ok {
		return fmt.Errorf("no sync source for %q: %w", desc.System, messagequeue.ErrTerminal)
	}

	job, err := p.startJob(ctx, desc)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	ctx = logger.WithJobID(ctx, job.ID)
	ctx, span := cfotel.StartJobSpan(ctx, job.ID, string(desc.System), desc.CredentialID)
	defer span.End()

	started := p.now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	attrs := metric.WithAttributes(attribute.String("sync.system", string(desc.System)))
	if p.metrics != nil {
		p.metrics.JobsStarted.Add(ctx, 1, attrs)
	}

	status, runErr := p.runJob(ctx, src, job, desc, started)

	if p.metrics != nil {
		p.metrics.JobsFinished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("sync.system", string(desc.System)),
			attribute.String("status", string(status)),
		))
		p.metrics.JobDuration.Record(ctx, p.now().Sub(started).Seconds(), attrs)
	}
	span.SetAttributes(attribute.String("status", string(status)))
	if runErr != nil {
		span.SetStatus(codes.Error, string(status))
	}
	return runErr
}

// startJob loads or creates the job row and marks it running. A nil job
// means there is nothing to do.
func (p *Pipeline) startJob(ctx context.Context, desc syncjob.Descriptor) (*syncjob.Job, error) {
	now := p.now()
	if desc.SyncJobID != nil {
		id := *desc.SyncJobID
		started, err := p.store.StartSyncJob(ctx, id, now)
		if errors.Is(err, domain.ErrConflict) {
			slog.InfoContext(ctx, "another job is active for this credential, skipping", "job_id", id)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if started {
			return p.store.GetSyncJob(ctx, id)
		}
		status, err := p.store.GetSyncJobStatus(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			slog.InfoContext(ctx, "job no longer runnable, skipping", "job_id", id, "status", status)
			return nil, nil
		}
		slog.WarnContext(ctx, "job row missing, creating a new one", "job_id", id)
	}

	trigger := desc.Trigger
	if trigger == "" {
		trigger = syncjob.TriggerScheduled
	}
	job, err := p.store.CreateRunningSyncJob(ctx, desc.System, desc.CredentialID, trigger, now)
	if errors.Is(err, domain.ErrConflict) {
		slog.InfoContext(ctx, "another job is active for this credential, skipping",
			"system", desc.System, "credential_id", desc.CredentialID)
		return nil, nil
	}
	return job, err
}

func (p *Pipeline) runJob(ctx context.Context, src Source, job *syncjob.Job, desc syncjob.Descriptor, started time.Time) (syncjob.Status, error) {
	cred, err := p.store.GetCredential(ctx, desc.System, desc.CredentialID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return p.fail(ctx, job, nil, err)
	}
	if err != nil || !cred.IsActive {
		p.finishFailed(ctx, job.ID, credentialUnavailableText, syncjob.Progress{})
		return syncjob.StatusFailed, fmt.Errorf("%s credential %s: %w", desc.System, desc.CredentialID, ErrCredentialUnavailable)
	}

	secret, err := p.secrets.Decrypt(cred.Secret)
	if err != nil {
		slog.ErrorContext(ctx, "credential decrypt failed",
			"system", desc.System, "credential_id", cred.ID, "error", err)
		p.finishFailed(ctx, job.ID, credentialUndecryptableText, syncjob.Progress{})
		return syncjob.StatusFailed, fmt.Errorf("decrypt %s credential %s: %w", desc.System, cred.ID, ErrCredentialUndecryptable)
	}

	run := &Run{
		Job:        job,
		Credential: cred,
		Secret:     secret,
		Filters:    desc.Filters,
		Since:      cred.LastSyncedAt,
		Progress:   NewProgress(p.store, job.ID, p.cfg.FlushInterval),
	}
	slog.InfoContext(ctx, "sync started", "system", desc.System, "credential_id", cred.ID, "incremental", run.Incremental())

	err = p.traverse(ctx, src, run)
	switch {
	case errors.Is(err, errStopped):
		return p.stop(ctx, run)
	case err != nil:
		return p.fail(ctx, job, run, err)
	default:
		return p.complete(ctx, run, started)
	}
}

func (p *Pipeline) traverse(ctx context.Context, src Source, run *Run) error {
	sess, err := src.Open(ctx, run)
	if err != nil {
		return err
	}
	scopes, err := sess.Discover(ctx)
	if err != nil {
		return err
	}
	for i := range scopes {
		scope := &scopes[i]
		if run.Progress.ShouldStop(ctx) {
			return errStopped
		}
		include, err := sess.Prepare(ctx, scope)
		if err != nil {
			return err
		}
		if !include {
			slog.DebugContext(ctx, "scope filtered out", "scope", scope.Label)
			continue
		}
		if err := p.syncScope(ctx, src.System(), sess, run, scope); err != nil {
			return err
		}
	}
	if run.Progress.ShouldStop(ctx) {
		return errStopped
	}
	return sess.Backfill(ctx)
}

// syncScope runs one scope under its advisory lock. Contention is a skip.
func (p *Pipeline) syncScope(ctx context.Context, system credential.System, sess Session, run *Run, scope *Scope) error {
	holder := run.Credential.ID
	ok, err := p.store.AcquireLock(ctx, scope.Target, scope.ID, holder, p.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("lock %s: %w", scope.Label, err)
	}
	if !ok {
		slog.InfoContext(ctx, "scope is being synced by another credential, skipping", "scope", scope.Label)
		if p.metrics != nil {
			p.metrics.LockSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.system", string(system))))
		}
		return nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := p.store.ReleaseLock(relCtx, scope.Target, scope.ID, holder); err != nil {
			slog.WarnContext(ctx, "lock release failed", "scope", scope.Label, "error", err)
		}
	}()

	ctx, span := cfotel.StartScopeSpan(ctx, string(system), scope.Label)
	defer span.End()
	return sess.Sync(ctx, scope)
}

func (p *Pipeline) complete(ctx context.Context, run *Run, started time.Time) (syncjob.Status, error) {
	run.Progress.ClearPhase()
	snap := run.Progress.Snapshot()

	done, err := p.store.CompleteSyncJob(ctx, run.Job.ID, snap, p.now())
	if err != nil {
		return p.fail(ctx, run.Job, run, err)
	}
	if !done {
		slog.InfoContext(ctx, "job was cancelled before completion was recorded")
		return syncjob.StatusCancelled, nil
	}
	if err := p.store.MarkCredentialSynced(ctx, run.Credential.System, run.Credential.ID, started); err != nil {
		slog.WarnContext(ctx, "could not record last sync time", "error", err)
	}
	if p.metrics != nil {
		p.metrics.ItemsSynced.Add(ctx, int64(snap.ProcessedItems),
			metric.WithAttributes(attribute.String("sync.system", string(run.Credential.System))))
	}
	slog.InfoContext(ctx, "sync completed", "processed", snap.ProcessedItems)
	return syncjob.StatusCompleted, nil
}

func (p *Pipeline) stop(ctx context.Context, run *Run) (syncjob.Status, error) {
	bg := context.WithoutCancel(ctx)
	run.Progress.ClearPhase()
	if err := p.store.StopSyncJob(bg, run.Job.ID, run.Progress.Snapshot(), p.now()); err != nil {
		slog.WarnContext(ctx, "could not record cancelled job progress", "error", err)
	}
	slog.InfoContext(ctx, "sync cancelled by user, stopped")
	return syncjob.StatusCancelled, nil
}

// fail records a sanitized error on the job and returns err for the queue
// to retry.
func (p *Pipeline) fail(ctx context.Context, job *syncjob.Job, run *Run, err error) (syncjob.Status, error) {
	var (
		secrets []string
		snap    syncjob.Progress
	)
	if run != nil {
		secrets = []string{run.Secret, run.Credential.Secret}
		if ferr := run.Progress.Flush(context.WithoutCancel(ctx)); ferr != nil {
			slog.WarnContext(ctx, "final progress flush failed", "error", ferr)
		}
		snap = run.Progress.Snapshot()
	}
	text := sanitizeError(err, p.cfg.ErrorMaxLen, secrets...)
	if !p.finishFailed(ctx, job.ID, text, snap) {
		return syncjob.StatusCancelled, nil
	}
	slog.ErrorContext(ctx, "sync failed", "error", text)
	return syncjob.StatusFailed, &sanitizedError{text: text, err: err}
}

// sanitizedError carries the redacted message while keeping the chain for
// errors.Is.
type sanitizedError struct {
	text string
	err  error
}

func (e *sanitizedError) Error() string { return e.text }
func (e *sanitizedError) Unwrap() error { return e.err }

// finishFailed marks the job failed unless it was cancelled meanwhile, and
// reports whether it did.
func (p *Pipeline) finishFailed(ctx context.Context, id int64, text string, snap syncjob.Progress) bool {
	failed, err := p.store.FailSyncJob(context.WithoutCancel(ctx), id, text, snap, p.now())
	if err != nil {
		slog.ErrorContext(ctx, "could not record job failure", "error", err)
		return true
	}
	return failed
}
