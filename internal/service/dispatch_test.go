package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/messagequeue"
	"github.com/ashwinsrini/how-do-i-fare/internal/worker"
)

type recordingRunner struct {
	mu       sync.Mutex
	descs    []syncjob.Descriptor
	err      error
	deadline bool
	started  chan struct{} // signalled on each run when set
	release  chan struct{} // runs block until closed when set
}

func (r *recordingRunner) Run(ctx context.Context, desc syncjob.Descriptor) error {
	r.mu.Lock()
	r.descs = append(r.descs, desc)
	_, r.deadline = ctx.Deadline()
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	return r.err
}

func (r *recordingRunner) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.descs)
}

func TestDispatcher_Handle(t *testing.T) {
	runner := &recordingRunner{}
	d := NewDispatcher(&fakeQueue{}, runner, worker.NewPool(2))

	err := d.Handle(context.Background(), messagequeue.Delivery{
		Subject: messagequeue.SyncSubject("jira-sync"),
		Data:    []byte(`{"credentialId":"jcred_1","syncJobId":7,"trigger":"manual","filters":{"projectKeys":["ENG"]}}`),
		Handle:  "12",
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(runner.descs) != 1 {
		t.Fatalf("runs = %d", len(runner.descs))
	}
	desc := runner.descs[0]
	if desc.System != credential.SystemJira || desc.CredentialID != "jcred_1" || desc.SyncJobID == nil || *desc.SyncJobID != 7 {
		t.Errorf("desc = %+v", desc)
	}
	if desc.Trigger != syncjob.TriggerManual || desc.Filters == nil || desc.Filters.ProjectKeys[0] != "ENG" {
		t.Errorf("desc trigger/filters = %+v", desc)
	}
	if runner.deadline {
		t.Error("jobs must run without a wall-clock deadline")
	}
}

func TestDispatcher_MalformedDeliveriesAreTerminal(t *testing.T) {
	runner := &recordingRunner{}
	d := NewDispatcher(&fakeQueue{}, runner, nil)

	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"bad json", messagequeue.SyncSubject("github-sync"), `{`},
		{"missing credential", messagequeue.SyncSubject("github-sync"), `{}`},
		{"unknown job", messagequeue.SyncSubject("gitlab-sync"), `{"credentialId":"x"}`},
		{"not a sync subject", "other.subject", `{"credentialId":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Handle(context.Background(), messagequeue.Delivery{Subject: tt.subject, Data: []byte(tt.data)})
			if !errors.Is(err, messagequeue.ErrTerminal) {
				t.Errorf("err = %v, want terminal", err)
			}
		})
	}
	if len(runner.descs) != 0 {
		t.Errorf("malformed deliveries reached the runner")
	}
}

func TestDispatcher_PropagatesRunnerError(t *testing.T) {
	boom := errors.New("boom")
	runner := &recordingRunner{err: boom}
	d := NewDispatcher(&fakeQueue{}, runner, worker.NewPool(1))

	err := d.Handle(context.Background(), messagequeue.Delivery{
		Subject: messagequeue.SyncSubject("github-sync"),
		Data:    []byte(`{"credentialId":"gcred_1"}`),
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestDispatcher_RedeliveryWhileRunningIsSkipped(t *testing.T) {
	runner := &recordingRunner{started: make(chan struct{}, 2), release: make(chan struct{})}
	d := NewDispatcher(&fakeQueue{}, runner, worker.NewPool(2))
	del := messagequeue.Delivery{
		Subject: messagequeue.SyncSubject("github-sync"),
		Data:    []byte(`{"credentialId":"gcred_1","syncJobId":9}`),
		Handle:  "31",
		Attempt: 1,
	}

	first := make(chan error, 1)
	go func() { first <- d.Handle(context.Background(), del) }()
	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("first delivery never started")
	}

	del.Attempt = 2
	if err := d.Handle(context.Background(), del); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := runner.runs(); n != 1 {
		t.Fatalf("runs = %d while first is in flight, want 1", n)
	}

	close(runner.release)
	if err := <-first; err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Once the first run is over, the same handle may run again.
	if err := d.Handle(context.Background(), del); err != nil {
		t.Fatalf("later delivery: %v", err)
	}
	if n := runner.runs(); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestDispatcher_ServeConsumesAllSyncSubjects(t *testing.T) {
	q := &fakeQueue{}
	d := NewDispatcher(q, &recordingRunner{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	deadline := time.After(time.Second)
	for {
		q.mu.Lock()
		ready := q.handler != nil
		q.mu.Unlock()
		if ready {
			break
		}
		select {
		case <-deadline:
			t.Fatal("consumer never attached")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v, want context.Canceled", err)
	}
}
