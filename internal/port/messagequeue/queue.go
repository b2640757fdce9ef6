// Package messagequeue defines the durable job queue port (interface).
package messagequeue

import (
	"context"
	"errors"
	"strings"
)

// ErrTerminal marks a handler error that must not be retried.
var ErrTerminal = errors.New("terminal job failure")

// Delivery is one delivery attempt of a queued job.
type Delivery struct {
	Subject string
	Data    []byte
	Handle  string // queue-assigned reference, usable with Remove
	Attempt int    // 1-based
}

// Handler processes one delivery. A nil return acknowledges the job; an
// error wrapping ErrTerminal drops it; any other error schedules a retry
// until the attempt budget is spent.
type Handler func(ctx context.Context, d Delivery) error

// Queue is the port interface for enqueueing and consuming sync jobs.
type Queue interface {
	// Enqueue durably stores a job and returns its handle. msgID, when
	// non-empty, deduplicates repeated submissions of the same job.
	Enqueue(ctx context.Context, subject string, data []byte, msgID string) (handle string, err error)

	// Remove deletes a job that has not been acknowledged yet. Removing an
	// unknown or already finished job is not an error.
	Remove(ctx context.Context, handle string) error

	// Consume delivers jobs matching subject to handler until the returned
	// stop function is called or ctx ends.
	Consume(ctx context.Context, subject string, handler Handler) (stop func(), err error)

	// Drain stops consumers, waits for in-flight handlers and closes the
	// connection.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject layout for sync jobs: SubjectSyncPrefix + "." + job name.
const (
	SubjectSyncPrefix = "howdoifare.sync"
	SubjectSyncAll    = SubjectSyncPrefix + ".>"
)

// SyncSubject returns the subject for a job name such as "github-sync".
func SyncSubject(jobName string) string {
	return SubjectSyncPrefix + "." + jobName
}

// JobName extracts the job name from a sync subject.
func JobName(subject string) string {
	name, _ := strings.CutPrefix(subject, SubjectSyncPrefix+".")
	if name == subject {
		return ""
	}
	return name
}
