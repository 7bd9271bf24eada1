package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteEventStore_Contract(t *testing.T) {
	eventStoreContract(t, newTestStore(t))
}

func TestSQLiteEventStore_FieldsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := seqEvent("s1", 1, runtime.EventNodeFinished).
		WithWorkflow("wf-1").
		WithNode("fetch", core.NodeTypeHTTPCall).
		WithAttempt(2).
		WithElapsed(15*time.Millisecond).
		WithPayload("status", "completed").
		WithPayload("count", 3)
	e.TraceID = "trace-abc"
	e.SpanID = "span-def"
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := store.List(ctx, "s1", 0, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("List = %v, %v", events, err)
	}
	got := events[0]
	if got.WorkflowID != "wf-1" || got.NodeID != "fetch" || got.NodeType != core.NodeTypeHTTPCall {
		t.Errorf("identity fields = %q/%q/%q", got.WorkflowID, got.NodeID, got.NodeType)
	}
	if got.Attempt != 2 || got.Elapsed != 15*time.Millisecond {
		t.Errorf("Attempt/Elapsed = %d/%v", got.Attempt, got.Elapsed)
	}
	if got.TraceID != "trace-abc" || got.SpanID != "span-def" {
		t.Errorf("trace = %q/%q", got.TraceID, got.SpanID)
	}
	if got.Payload["status"] != "completed" || got.Payload["count"] != float64(3) {
		t.Errorf("Payload = %v", got.Payload)
	}
	if !got.Time.Equal(e.Time.UTC()) {
		t.Errorf("Time = %v, want %v", got.Time, e.Time)
	}
}

func TestSQLiteEventStore_Append_DuplicateSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := seqEvent("s1", 1, runtime.EventNodeStarted)
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, e); err == nil {
		t.Fatal("expected error on duplicate (session_id, seq), got nil")
	}
}

func TestSQLiteEventStore_NilPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := seqEvent("s1", 1, runtime.EventSessionStarted)
	e.Payload = nil
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	events, _ := store.List(ctx, "s1", 0, 0)
	if len(events) != 1 || events[0].Payload == nil {
		t.Fatalf("List = %v, want one event with empty payload", events)
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:          testDSN(t),
		RetentionAge: 500 * time.Millisecond,
	})
	ctx := context.Background()

	old := seqEvent("s1", 1, runtime.EventNodeStarted)
	old.Time = time.Now().Add(-time.Hour)
	_ = store.Append(ctx, old)
	_ = store.Append(ctx, seqEvent("s1", 2, runtime.EventNodeFinished))

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	events, _ := store.List(ctx, "s1", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("after prune = %v, want only seq 2", events)
	}
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:            testDSN(t),
		RetentionCount: 2,
	})
	ctx := context.Background()

	for _, sid := range []string{"s1", "s2"} {
		for i := uint64(1); i <= 4; i++ {
			_ = store.Append(ctx, seqEvent(sid, i, runtime.EventNodeStarted))
		}
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	for _, sid := range []string{"s1", "s2"} {
		events, _ := store.List(ctx, sid, 0, 0)
		if len(events) != 2 || events[0].Seq != 3 {
			t.Errorf("%s after prune = %d events starting at %d, want 2 starting at 3", sid, len(events), firstSeq(events))
		}
	}
}

func TestSQLiteEventStore_SessionIDsAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Append(ctx, seqEvent("b", 1, runtime.EventSessionStarted))
	_ = store.Append(ctx, seqEvent("a", 1, runtime.EventSessionStarted))

	ids, err := store.SessionIDs(ctx)
	if err != nil {
		t.Fatalf("SessionIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("SessionIDs = %v, want [a b]", ids)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, _ = store.SessionIDs(ctx)
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("SessionIDs after Delete = %v, want [b]", ids)
	}
}

func TestSQLiteEventStore_PersistenceAcrossReopen(t *testing.T) {
	dsn := t.TempDir() + "/events.db"
	ctx := context.Background()

	store1, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open store1: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		_ = store1.Append(ctx, seqEvent("s1", i, runtime.EventNodeStarted))
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close store1: %v", err)
	}

	store2, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open store2: %v", err)
	}
	defer store2.Close()

	if seq, _ := store2.LatestSeq(ctx, "s1"); seq != 3 {
		t.Errorf("LatestSeq after reopen = %d, want 3", seq)
	}
}

func TestSQLiteEventStore_ConcurrentReadWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 30; i++ {
			_ = store.Append(ctx, seqEvent("s1", i, runtime.EventNodeStarted))
		}
	}()

	errs := make(chan error, 4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := store.List(ctx, "s1", 0, 0); err != nil {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent read error: %v", err)
	}
	if seq, _ := store.LatestSeq(ctx, "s1"); seq != 30 {
		t.Errorf("LatestSeq = %d, want 30", seq)
	}
}
