package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/messagequeue"
	"github.com/ashwinsrini/how-do-i-fare/internal/worker"
)

// JobRunner executes one sync job.
type JobRunner interface {
	Run(ctx context.Context, desc syncjob.Descriptor) error
}

// Dispatcher consumes sync deliveries from the queue and runs them through
// a bounded worker pool. Jobs run without a wall-clock cap; the queue keeps
// a delivery alive while its handler is running.
type Dispatcher struct {
	queue  messagequeue.Queue
	runner JobRunner
	pool   *worker.Pool

	mu      sync.Mutex
	running map[string]struct{} // queue handles currently being worked
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(queue messagequeue.Queue, runner JobRunner, pool *worker.Pool) *Dispatcher {
	return &Dispatcher{queue: queue, runner: runner, pool: pool, running: make(map[string]struct{})}
}

// Handle runs one delivery. Malformed deliveries are terminal. A redelivery
// of a handle that is still running here is acknowledged without a second
// run.
func (d *Dispatcher) Handle(ctx context.Context, del messagequeue.Delivery) error {
	desc, err := decodeDelivery(del)
	if err != nil {
		slog.ErrorContext(ctx, "dropping malformed sync delivery", "subject", del.Subject, "error", err)
		return fmt.Errorf("%w: %w", messagequeue.ErrTerminal, err)
	}

	if !d.claim(del.Handle) {
		slog.WarnContext(ctx, "sync job already running, skipping redelivery",
			"system", desc.System, "credential_id", desc.CredentialID,
			"handle", del.Handle, "attempt", del.Attempt)
		return nil
	}
	defer d.release(del.Handle)

	return d.pool.Run(ctx, func(ctx context.Context) error {
		start := time.Now()
		slog.InfoContext(ctx, "sync job picked up",
			"system", desc.System, "credential_id", desc.CredentialID,
			"handle", del.Handle, "attempt", del.Attempt)
		err := d.runner.Run(ctx, desc)
		if err != nil {
			slog.ErrorContext(ctx, "sync job failed",
				"system", desc.System, "credential_id", desc.CredentialID,
				"duration", time.Since(start), "error", err)
			return err
		}
		slog.InfoContext(ctx, "sync job finished",
			"system", desc.System, "credential_id", desc.CredentialID,
			"duration", time.Since(start))
		return nil
	})
}

// Serve consumes until ctx ends. It satisfies suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	stop, err := d.queue.Consume(ctx, messagequeue.SubjectSyncAll, d.Handle)
	if err != nil {
		return err
	}
	defer stop()
	<-ctx.Done()
	return ctx.Err()
}

func (d *Dispatcher) String() string { return "sync-dispatcher" }

// claim marks handle as running. An empty handle is never deduplicated.
func (d *Dispatcher) claim(handle string) bool {
	if handle == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[handle]; ok {
		return false
	}
	d.running[handle] = struct{}{}
	return true
}

func (d *Dispatcher) release(handle string) {
	if handle == "" {
		return
	}
	d.mu.Lock()
	delete(d.running, handle)
	d.mu.Unlock()
}

func decodeDelivery(del messagequeue.Delivery) (syncjob.Descriptor, error) {
	if err := messagequeue.Validate(del.Subject, del.Data); err != nil {
		return syncjob.Descriptor{}, err
	}
	system, err := syncjob.SystemFromJobName(messagequeue.JobName(del.Subject))
	if err != nil {
		return syncjob.Descriptor{}, err
	}
	var p messagequeue.SyncJobPayload
	if err := json.Unmarshal(del.Data, &p); err != nil {
		return syncjob.Descriptor{}, err
	}
	desc := syncjob.Descriptor{
		System:       system,
		CredentialID: p.CredentialID,
		SyncJobID:    p.SyncJobID,
		Trigger:      syncjob.Trigger(p.Trigger),
	}
	if p.Filters != nil {
		desc.Filters = &syncjob.Filters{
			OrgIDs:      p.Filters.OrgIDs,
			RepoIDs:     p.Filters.RepoIDs,
			ProjectKeys: p.Filters.ProjectKeys,
		}
	}
	return desc, nil
}
