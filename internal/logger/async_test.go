package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects slog.Records for test assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func (h *recordingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *recordingHandler) last() slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[len(h.records)-1]
}

func record(level slog.Level, msg string) slog.Record {
	return slog.NewRecord(time.Now(), level, msg, 0)
}

func TestAsyncHandler_ConcurrentWritesFlushOnClose(t *testing.T) {
	const goroutines, perGoroutine = 50, 100

	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, goroutines*perGoroutine, 4)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				_ = ah.Handle(context.Background(), record(slog.LevelInfo, "page synced"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := inner.count(slog.LevelInfo); got != goroutines*perGoroutine {
		t.Fatalf("records = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestAsyncHandler_DropsInfoButKeepsErrors(t *testing.T) {
	inner := &recordingHandler{delay: 2 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for range 30 {
		_ = ah.Handle(context.Background(), record(slog.LevelInfo, "progress"))
		_ = ah.Handle(context.Background(), record(slog.LevelError, "sync failed"))
	}
	ah.Close()

	if ah.DroppedCount() == 0 {
		t.Fatal("expected info records to be dropped")
	}
	if got := inner.count(slog.LevelError); got != 30 {
		t.Errorf("error records = %d, want all 30", got)
	}

	last := inner.last()
	if last.Level != slog.LevelWarn || last.Message != "async logger dropped records" {
		t.Fatalf("last record = %v %q, want the drop summary", last.Level, last.Message)
	}
	var dropped int64
	last.Attrs(func(a slog.Attr) bool {
		if a.Key == "dropped" {
			dropped = a.Value.Int64()
		}
		return true
	})
	if dropped != ah.DroppedCount() {
		t.Errorf("summary dropped = %d, want %d", dropped, ah.DroppedCount())
	}
}

func TestAsyncHandler_DerivedHandlersShareQueue(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 10, 1)
	child := ah.WithAttrs([]slog.Attr{slog.Int64("job_id", 7)}).WithGroup("github")

	_ = child.Handle(context.Background(), record(slog.LevelInfo, "from child"))
	ah.Close()
	ah.Close()

	if got := inner.count(slog.LevelInfo); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}
