package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/store"
)

func payload(id int64) models.SubmissionPayload {
	return models.SubmissionPayload{
		AssignmentID: id,
		DeviceID:     -1,
		Tasks: []models.SubmittedTask{{
			TaskSequence:     1,
			AssignmentTaskID: id * 10,
			Name:             "task",
			Fields:           []models.SubmittedField{{FieldID: 1, InputType: models.InputTextBox, Response: "ok"}},
		}},
	}
}

func newTestQueue(s store.Store) *Queue {
	q := New(s)
	n := 0
	q.newID = func() string {
		n++
		return fmt.Sprintf("e%d", n)
	}
	return q
}

func ids(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Payload.AssignmentID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnqueueDrainFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory())
	for _, id := range []int64{1, 2, 3} {
		if _, err := q.Enqueue(ctx, payload(id)); err != nil {
			t.Fatalf("Enqueue(%d): %v", id, err)
		}
	}
	got, err := q.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(ids(got), []int64{1, 2, 3}) {
		t.Errorf("Drain = %v, want [1 2 3]", ids(got))
	}
	again, _ := q.Drain(ctx)
	if len(again) != 3 {
		t.Error("Drain must not remove entries")
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	q := New(db)
	e, err := q.Enqueue(ctx, payload(42))
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	got, err := New(db).Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != e.ID || got[0].Payload.Tasks[0].Fields[0].Response != "ok" {
		t.Errorf("after reopen: %+v", got)
	}
}

func TestCorruptQueueDrainsEmpty(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{"not json", `{"a":1}`, `"string"`, `[1,2`} {
		mem := store.NewMemory()
		_ = mem.Set(ctx, store.KeySubmissionQueue, raw)
		got, err := New(mem).Drain(ctx)
		if err != nil {
			t.Errorf("Drain(%q) error: %v", raw, err)
		}
		if len(got) != 0 {
			t.Errorf("Drain(%q) = %v, want empty", raw, got)
		}
		if v, _, _ := mem.Get(ctx, store.KeySubmissionQueue); v != "[]" {
			t.Errorf("corrupt value %q not reset, now %q", raw, v)
		}
	}
}

func TestEnqueueOverCorruptQueue(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	_ = mem.Set(ctx, store.KeySubmissionQueue, "garbage")
	q := newTestQueue(mem)
	if _, err := q.Enqueue(ctx, payload(5)); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Drain(ctx)
	if !equalIDs(ids(got), []int64{5}) {
		t.Errorf("Drain = %v, want [5]", ids(got))
	}
}

func TestSettleKeepsRetainedAndNewEntries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory())
	for _, id := range []int64{1, 2, 3} {
		_, _ = q.Enqueue(ctx, payload(id))
	}
	attempted, _ := q.Drain(ctx)

	// Submitted while the pass was running.
	_, _ = q.Enqueue(ctx, payload(4))

	failed := attempted[1]
	failed.Attempts++
	failed.LastError = "timeout"
	if err := q.Settle(ctx, attempted, []Entry{failed}); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Drain(ctx)
	if !equalIDs(ids(got), []int64{2, 4}) {
		t.Fatalf("after Settle = %v, want [2 4]", ids(got))
	}
	if got[0].Attempts != 1 || got[0].LastError != "timeout" {
		t.Errorf("retained entry not updated: %+v", got[0])
	}
}

func TestSettleRespectsConcurrentClear(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory())
	_, _ = q.Enqueue(ctx, payload(1))
	attempted, _ := q.Drain(ctx)
	_ = q.Clear(ctx)
	if err := q.Settle(ctx, attempted, attempted); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len = %d, cleared entry resurrected", n)
	}
}

func TestReplaceWithAndClear(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory())
	for _, id := range []int64{1, 2, 3} {
		_, _ = q.Enqueue(ctx, payload(id))
	}
	all, _ := q.Drain(ctx)
	if err := q.ReplaceWith(ctx, all[2:]); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Drain(ctx)
	if !equalIDs(ids(got), []int64{3}) {
		t.Errorf("after ReplaceWith = %v, want [3]", ids(got))
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len after Clear = %d", n)
	}
}

func TestStorageFailureKeepsMemoryAuthoritative(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	q := newTestQueue(mem)
	_, _ = q.Enqueue(ctx, payload(1))

	mem.FailWrites = true
	if _, err := q.Enqueue(ctx, payload(2)); !store.IsStorageError(err) {
		t.Fatalf("Enqueue error = %v, want StorageError", err)
	}
	mem.FailReads = true
	got, err := q.Drain(ctx)
	if !store.IsStorageError(err) {
		t.Errorf("Drain error = %v, want StorageError", err)
	}
	if !equalIDs(ids(got), []int64{1, 2}) {
		t.Errorf("in-memory queue = %v, want [1 2]", ids(got))
	}

	if _, err := q.Enqueue(ctx, payload(3)); err == nil {
		t.Fatal("expected error with failing store")
	}
	got, _ = q.Drain(ctx)
	if !equalIDs(ids(got), []int64{1, 2, 3}) {
		t.Errorf("in-memory queue = %v, want [1 2 3]", ids(got))
	}
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory())
	e1, _ := q.Enqueue(ctx, payload(1))
	e1.Attempts = 5
	e1.LastError = "rejected"
	_ = q.ReplaceWith(ctx, nil)

	if err := q.DeadLetter(ctx, []Entry{e1}); err != nil {
		t.Fatal(err)
	}
	dead, err := q.DeadLetters(ctx)
	if err != nil || len(dead) != 1 || dead[0].LastError != "rejected" {
		t.Fatalf("DeadLetters = %+v, %v", dead, err)
	}

	n, err := q.Requeue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Requeue = %d, %v", n, err)
	}
	got, _ := q.Drain(ctx)
	if len(got) != 1 || got[0].Attempts != 0 || got[0].LastError != "" {
		t.Errorf("requeued entry = %+v", got)
	}
	if dead, _ := q.DeadLetters(ctx); len(dead) != 0 {
		t.Errorf("dead letters left after Requeue: %d", len(dead))
	}

	_ = q.DeadLetter(ctx, []Entry{e1})
	if err := q.ClearDeadLetters(ctx); err != nil {
		t.Fatal(err)
	}
	if dead, _ := q.DeadLetters(ctx); len(dead) != 0 {
		t.Error("ClearDeadLetters left entries")
	}
}

func TestWriteFailureKeepsMemoryAhead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	q := newTestQueue(mem)
	_, _ = q.Enqueue(ctx, payload(1))

	mem.FailWrites = true
	if _, err := q.Enqueue(ctx, payload(2)); !store.IsStorageError(err) {
		t.Fatalf("Enqueue error = %v, want StorageError", err)
	}

	// Reads still work, but the stored list is behind.
	got, err := q.Drain(ctx)
	if !store.IsStorageError(err) {
		t.Errorf("Drain error = %v, want StorageError", err)
	}
	if !equalIDs(ids(got), []int64{1, 2}) {
		t.Fatalf("Drain = %v, want [1 2]", ids(got))
	}

	// Acking entry 1 must not bring it back from the stored list.
	if err := q.Settle(ctx, got[:1], nil); !store.IsStorageError(err) {
		t.Fatalf("Settle error = %v, want StorageError", err)
	}
	got, _ = q.Drain(ctx)
	if !equalIDs(ids(got), []int64{2}) {
		t.Fatalf("after Settle = %v, want [2]", ids(got))
	}

	mem.FailWrites = false
	got, err = q.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain after recovery: %v", err)
	}
	if !equalIDs(ids(got), []int64{2}) {
		t.Errorf("Drain after recovery = %v, want [2]", ids(got))
	}
	stored, err := New(mem).Drain(ctx)
	if err != nil || !equalIDs(ids(stored), []int64{2}) {
		t.Errorf("stored queue = %v, %v, want [2]", ids(stored), err)
	}
}

func TestFailedClearIsNotUndoneByRead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	q := newTestQueue(mem)
	_, _ = q.Enqueue(ctx, payload(1))

	mem.FailWrites = true
	if err := q.Clear(ctx); err == nil {
		t.Fatal("expected error with failing store")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len = %d after failed Clear, want 0", n)
	}

	mem.FailWrites = false
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Errorf("Len after recovery = %d, %v", n, err)
	}
	if n, _ := New(mem).Len(ctx); n != 0 {
		t.Errorf("stored queue has %d entries, want 0", n)
	}
}
