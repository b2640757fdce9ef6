// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ashwinsrini/how-do-i-fare/internal/logger"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/messagequeue"
)

// DefaultStream is the JetStream stream holding sync jobs.
const DefaultStream = "HOWDOIFARE_SYNC"

// headerRequestID carries the enqueuer's request ID to the handler.
const headerRequestID = "X-Request-ID"

// Options tunes delivery of queued jobs.
type Options struct {
	Stream      string
	MaxAttempts int           // deliveries per job before it is terminated
	BackoffBase time.Duration // first retry delay, doubled per attempt
	AckWait     time.Duration // a job not acknowledged or heartbeated within this is redelivered
	Concurrency int           // unacknowledged jobs in flight per consumer
	DrainWait   time.Duration // Drain waits this long for in-flight handlers
}

func (o *Options) defaults() {
	if o.Stream == "" {
		o.Stream = DefaultStream
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Minute
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.DrainWait <= 0 {
		o.DrainWait = 30 * time.Second
	}
}

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options

	// base is the parent of every handler context; Drain cancels it when
	// in-flight jobs outlive the drain wait.
	base       context.Context
	cancelBase context.CancelFunc
	inflight   sync.WaitGroup

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, opts Options) (*Queue, error) {
	opts.defaults()

	nc, err := nats.Connect(url,
		nats.Name("how-do-i-fare"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Work queue retention: a job leaves the stream once acknowledged or
	// terminated.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{messagequeue.SubjectSyncAll},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	base, cancel := context.WithCancel(context.Background())
	slog.Info("nats connected", "url", url, "stream", opts.Stream)
	return &Queue{nc: nc, js: js, opts: opts, base: base, cancelBase: cancel}, nil
}

// Enqueue publishes a job and returns its stream sequence as the handle.
func (q *Queue) Enqueue(ctx context.Context, subject string, data []byte, msgID string) (string, error) {
	if err := messagequeue.Validate(subject, data); err != nil {
		return "", fmt.Errorf("nats enqueue %s: %w", subject, err)
	}
	var popts []jetstream.PublishOpt
	if msgID != "" {
		popts = append(popts, jetstream.WithMsgID(msgID))
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	ack, err := q.js.PublishMsg(ctx, msg, popts...)
	if err != nil {
		return "", fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if ack.Duplicate {
		slog.Debug("nats publish deduplicated", "subject", subject, "msg_id", msgID, "seq", ack.Sequence)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Remove deletes a queued job by its stream sequence.
func (q *Queue) Remove(ctx context.Context, handle string) error {
	seq, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("nats remove: invalid handle %q: %w", handle, err)
	}
	stream, err := q.js.Stream(ctx, q.opts.Stream)
	if err != nil {
		return fmt.Errorf("nats stream %s: %w", q.opts.Stream, err)
	}
	if err := stream.DeleteMsg(ctx, seq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
		return fmt.Errorf("nats remove %d: %w", seq, err)
	}
	return nil
}

// Consume attaches a durable consumer for subject. Each delivery runs in
// its own goroutine; MaxAckPending bounds how many run at once.
func (q *Queue) Consume(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.opts.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.AckWait,
		MaxDeliver:    q.opts.MaxAttempts,
		MaxAckPending: q.opts.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			q.handle(msg, handler)
		}()
	}, jetstream.PullMaxMessages(q.opts.Concurrency))
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	q.mu.Lock()
	q.consumers = append(q.consumers, cons)
	q.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			cons.Stop()
		case <-cons.Closed():
		}
	}()

	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	d := messagequeue.Delivery{Subject: msg.Subject(), Data: msg.Data(), Attempt: 1}
	if md, err := msg.Metadata(); err == nil {
		d.Handle = strconv.FormatUint(md.Sequence.Stream, 10)
		d.Attempt = int(md.NumDelivered)
	}

	ctx := q.base
	if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
		ctx = logger.WithRequestID(ctx, reqID)
	}
	stop := keepAlive(q.opts.AckWait/3, func() error { return msg.InProgress() })
	err := handler(ctx, d)
	stop()
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "subject", d.Subject, "handle", d.Handle, "error", ackErr)
		}
	case errors.Is(err, messagequeue.ErrTerminal) || d.Attempt >= q.opts.MaxAttempts:
		slog.Error("job failed permanently", "subject", d.Subject, "handle", d.Handle, "attempt", d.Attempt, "error", err)
		if termErr := msg.Term(); termErr != nil {
			slog.Error("nats term failed", "error", termErr)
		}
	default:
		delay := Backoff(q.opts.BackoffBase, d.Attempt)
		slog.Warn("job failed, retrying", "subject", d.Subject, "handle", d.Handle, "attempt", d.Attempt, "retry_in", delay, "error", err)
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
	}
}

// keepAlive calls touch every interval until stop is called, so a long
// running handler is not redelivered. stop waits for the ticker goroutine.
func keepAlive(interval time.Duration, touch func() error) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := touch(); err != nil {
					slog.Warn("nats in-progress heartbeat failed", "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// Backoff returns the retry delay after the given 1-based attempt:
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}

// KeyValue opens (creating if needed) a KV bucket whose entries expire
// after ttl.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain stops all consumers, gives in-flight handlers DrainWait to finish,
// cancels the rest and then drains the connection.
func (q *Queue) Drain() error {
	q.mu.Lock()
	for _, c := range q.consumers {
		c.Stop()
	}
	q.consumers = nil
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(q.opts.DrainWait):
		slog.Warn("drain wait elapsed, cancelling in-flight jobs", "wait", q.opts.DrainWait)
		q.cancelBase()
		<-done
	}
	q.cancelBase()

	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.cancelBase()
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is alive.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// durableName derives a consumer name from a subject; JetStream names may
// not contain '.', '*' or '>'.
func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return r.Replace(subject)
}
