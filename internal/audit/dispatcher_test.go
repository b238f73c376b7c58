package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingWriter struct {
	mu      sync.Mutex
	events  []Event
	release chan struct{}
	err     error
}

func (w *recordingWriter) Write(_ context.Context, event Event) error {
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return w.err
}

func (w *recordingWriter) snapshot() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

func TestDispatcherDeliversQueuedEventsOnClose(t *testing.T) {
	writer := &recordingWriter{}
	dispatcher, err := NewDispatcher(DispatcherConfig{Writer: writer, BufferSize: 8})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}

	for index := 0; index < 3; index++ {
		event := Event{Operation: OperationUpload, UserID: fmt.Sprintf("user-%d", index), Success: true}
		if err := dispatcher.Emit(context.Background(), event); err != nil {
			t.Fatalf("emit %d failed: %v", index, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	events := writer.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 written events, got %d", len(events))
	}
	if events[0].UserID != "user-0" || events[2].UserID != "user-2" {
		t.Fatalf("expected events in emit order, got %+v", events)
	}
}

func TestDispatcherDropsWhenQueueIsFull(t *testing.T) {
	writer := &recordingWriter{release: make(chan struct{})}
	dispatcher, err := NewDispatcher(DispatcherConfig{Writer: writer, BufferSize: 1})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}

	// The worker takes the first event and blocks on release, the second fills the buffer.
	if err := dispatcher.Emit(context.Background(), Event{UserID: "first"}); err != nil {
		t.Fatalf("first emit failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		err := dispatcher.Emit(context.Background(), Event{UserID: "filler"})
		if errors.Is(err, ErrQueueFull) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected emit error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("expected queue to fill up")
		}
	}
	if dispatcher.Dropped() == 0 {
		t.Fatalf("expected dropped counter to increase")
	}

	close(writer.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestDispatcherRejectsEmitAfterClose(t *testing.T) {
	dispatcher, err := NewDispatcher(DispatcherConfig{Writer: &recordingWriter{}})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := dispatcher.Emit(context.Background(), Event{UserID: "late"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestDispatcherSurvivesWriterFailure(t *testing.T) {
	writer := &recordingWriter{err: errors.New("disk full")}
	dispatcher, err := NewDispatcher(DispatcherConfig{Writer: writer})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	for index := 0; index < 2; index++ {
		if err := dispatcher.Emit(context.Background(), Event{UserID: "user"}); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := len(writer.snapshot()); got != 2 {
		t.Fatalf("expected worker to keep writing after failures, got %d writes", got)
	}
}

func TestNewDispatcherRequiresWriter(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Fatal("expected missing writer error")
	}
}

func TestGormWriterPersistsAndPrunes(t *testing.T) {
	dsn := fmt.Sprintf("file:audit_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SyncLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	writer, err := NewGormWriter(db)
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}

	old := Event{
		Operation:  OperationDownload,
		UserID:     "user-1",
		Success:    false,
		OccurredAt: time.Unix(1700000000, 0),
	}
	recent := Event{
		Operation:       OperationUpload,
		UserID:          "user-1",
		SizeBytes:       120,
		ItemCount:       2,
		ClientSignature: "Mozilla/5.0",
		ClientAddress:   "203.0.113.7",
		Success:         true,
		Duration:        42 * time.Millisecond,
		OccurredAt:      time.Unix(1700090000, 0),
	}
	for _, event := range []Event{old, recent} {
		if err := writer.Write(context.Background(), event); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	pruned, err := writer.Prune(context.Background(), time.Unix(1700050000, 0))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}

	var remaining []SyncLog
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatalf("failed to load logs: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining log, got %d", len(remaining))
	}
	stored := remaining[0]
	if stored.Operation != OperationUpload || !stored.Success || stored.DurationMillis != 42 || stored.ItemCount != 2 {
		t.Fatalf("unexpected stored log: %+v", stored)
	}
	if stored.ClientAddress != "203.0.113.7" || stored.ClientSignature != "Mozilla/5.0" {
		t.Fatalf("unexpected origin fields: %+v", stored)
	}
}
