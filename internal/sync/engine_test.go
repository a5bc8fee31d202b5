package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/marcus/fieldsync/internal/cache"
	"github.com/marcus/fieldsync/internal/connectivity"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/queue"
	"github.com/marcus/fieldsync/internal/store"
	"github.com/marcus/fieldsync/internal/syncclient"
)

var (
	errUnreachable = &syncclient.NetworkError{Op: "PUT", URL: "http://test", Err: errors.New("connection refused")}
	errRejected    = &syncclient.ServerError{StatusCode: http.StatusBadRequest, Code: "bad_request", Message: "tasks required"}
	errUnavailable = &syncclient.ServerError{StatusCode: http.StatusServiceUnavailable}
)

// fakeServer records sends and fails the assignment ids listed in fail.
type fakeServer struct {
	mu    gosync.Mutex
	fail  map[int64]error
	sent  []int64
	block chan struct{}
	// entered receives the assignment id of each send before it blocks.
	entered chan int64
}

func (f *fakeServer) SubmitWork(ctx context.Context, p models.SubmissionPayload) error {
	if f.entered != nil {
		f.entered <- p.AssignmentID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &syncclient.NetworkError{Op: "PUT", Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p.AssignmentID)
	return f.fail[p.AssignmentID]
}

func (f *fakeServer) setFail(id int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[int64]error{}
	}
	if err == nil {
		delete(f.fail, id)
		return
	}
	f.fail[id] = err
}

func (f *fakeServer) sentIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sent...)
}

type harness struct {
	mem    *store.Memory
	server *fakeServer
	queue  *queue.Queue
	conn   *connectivity.State
	cache  *cache.Cache
	engine *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{mem: store.NewMemory(), server: &fakeServer{}}
	h.queue = queue.New(h.mem)
	h.conn = connectivity.New(h.mem)
	h.cache = cache.New(h.mem)
	h.engine = New(h.server, h.queue, h.conn, h.cache, opts)
	t.Cleanup(h.engine.Close)
	return h
}

func payload(id int64) models.SubmissionPayload {
	return models.SubmissionPayload{
		AssignmentID: id,
		DeviceID:     models.UnknownDevice,
		Tasks: []models.SubmittedTask{{
			TaskSequence: 1, AssignmentTaskID: id * 10, Name: "task",
			Fields: []models.SubmittedField{{FieldID: 1, InputType: models.InputTextBox, Response: fmt.Sprint(id)}},
		}},
	}
}

func queuedIDs(t *testing.T, q *queue.Queue) []int64 {
	t.Helper()
	entries, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Payload.AssignmentID
	}
	return out
}

func sameIDs(a, b []int64) bool {
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

func TestSubmitOfflineQueuesAndKeepsCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	a := &models.Assignment{ID: 42, Tasks: []models.Task{{AssignmentTaskID: 1, Fields: []models.Field{{FieldID: 1, InputType: models.InputTextBox}}}}}
	if err := h.cache.Hydrate(ctx, a); err != nil {
		t.Fatal(err)
	}
	_ = h.cache.SetFieldValue(ctx, 1, models.Text("x"))
	_ = h.conn.SetOnline(ctx, false)

	p := models.BuildPayload(a, -1, h.cache.Snapshot())
	res, err := h.engine.Submit(ctx, p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != Queued || !res.Durable || res.Message != MsgSavedOffline {
		t.Errorf("result = %+v", res)
	}
	entries, _ := h.queue.Drain(ctx)
	if len(entries) != 1 || entries[0].Payload.Tasks[0].Fields[0].Response != "x" {
		t.Fatalf("queue = %+v, want exactly the submitted payload", entries)
	}
	if v, ok := h.cache.GetFieldValue(1); !ok || !v.Equal(models.Text("x")) {
		t.Error("response cache was cleared by an offline submit")
	}
	if len(h.server.sentIDs()) != 0 {
		t.Error("offline submit reached the server")
	}
}

func TestSubmitOnlineAcks(t *testing.T) {
	ctx := context.Background()
	var acked []int64
	h := newHarness(t, Options{OnAck: func(_ context.Context, p models.SubmissionPayload) { acked = append(acked, p.AssignmentID) }})
	_ = h.mem.Set(ctx, store.ResponsesKey(7), `{}`)

	res, err := h.engine.Submit(ctx, payload(7))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != Acked || res.Message != MsgSubmitted {
		t.Errorf("result = %+v", res)
	}
	if _, ok, _ := h.mem.Get(ctx, store.ResponsesKey(7)); ok {
		t.Error("responses not cleared after ack")
	}
	if len(acked) != 1 || acked[0] != 7 {
		t.Errorf("OnAck calls = %v", acked)
	}
}

func TestSubmitServerRejectionNotQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_ = h.mem.Set(ctx, store.ResponsesKey(5), `{}`)

	for _, serr := range []error{errRejected, errUnavailable} {
		h.server.setFail(5, serr)
		res, err := h.engine.Submit(ctx, payload(5))
		if err == nil || !errors.Is(err, serr) {
			t.Fatalf("Submit error = %v, want %v", err, serr)
		}
		if res.State != FailedPermanent {
			t.Errorf("state = %s, want failed", res.State)
		}
		if ids := queuedIDs(t, h.queue); len(ids) != 0 {
			t.Errorf("rejected payload queued: %v", ids)
		}
		if _, ok, _ := h.mem.Get(ctx, store.ResponsesKey(5)); !ok {
			t.Error("responses cleared after rejection")
		}
	}
}

func TestSubmitNetworkErrorQueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.server.setFail(3, errUnreachable)

	res, err := h.engine.Submit(ctx, payload(3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != Queued || !errors.Is(res.SendErr, errUnreachable) {
		t.Errorf("result = %+v", res)
	}
	if ids := queuedIDs(t, h.queue); !sameIDs(ids, []int64{3}) {
		t.Errorf("queue = %v, want [3]", ids)
	}
}

func TestSubmitTimeoutQueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Timeout: 20 * time.Millisecond})
	h.server.block = make(chan struct{})
	defer close(h.server.block)

	res, err := h.engine.Submit(ctx, payload(9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != Queued {
		t.Errorf("state = %s, want queued", res.State)
	}
}

func TestSubmitMalformed(t *testing.T) {
	h := newHarness(t, Options{})
	p := payload(1)
	p.Tasks = nil
	res, err := h.engine.Submit(context.Background(), p)
	if !errors.Is(err, models.ErrMalformedPayload) || res.State != FailedPermanent {
		t.Errorf("Submit = %+v, %v", res, err)
	}
	if len(h.server.sentIDs()) != 0 {
		t.Error("malformed payload was sent")
	}
}

func TestSubmitOfflineStorageFailureNotDurable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_ = h.conn.SetOnline(ctx, false)
	h.mem.FailWrites = true

	res, err := h.engine.Submit(ctx, payload(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != Queued || res.Durable || !store.IsStorageError(res.StorageErr) {
		t.Errorf("result = %+v, want queued non-durable", res)
	}
}

func TestSyncPassAllSucceed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.engine.unsub()
	a := &models.Assignment{ID: 42, Tasks: []models.Task{{AssignmentTaskID: 1, Fields: []models.Field{{FieldID: 1, InputType: models.InputTextBox}}}}}
	if err := h.cache.Hydrate(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := h.cache.SetFieldValue(ctx, 1, models.Text("done")); err != nil {
		t.Fatal(err)
	}
	_ = h.conn.SetOnline(ctx, false)
	for _, id := range []int64{1, 2} {
		_, _ = h.engine.Submit(ctx, payload(id))
	}
	_, _ = h.engine.Submit(ctx, models.BuildPayload(a, models.UnknownDevice, h.cache.Snapshot()))
	if _, ok, _ := h.mem.Get(ctx, store.ResponsesKey(42)); !ok {
		t.Fatal("responses for 42 should survive an offline submit")
	}
	_ = h.conn.SetOnline(ctx, true)

	res, err := h.engine.SyncPass(ctx)
	if err != nil {
		t.Fatalf("SyncPass: %v", err)
	}
	if len(res.Succeeded) != 3 || res.Attempted != 3 {
		t.Errorf("result = %s", res.Summary())
	}
	if ids := queuedIDs(t, h.queue); len(ids) != 0 {
		t.Errorf("queue = %v, want empty", ids)
	}
	if !sameIDs(h.server.sentIDs(), []int64{1, 2, 42}) {
		t.Errorf("send order = %v, want [1 2 42]", h.server.sentIDs())
	}
	for _, key := range []string{store.ResponsesKey(42), store.ResponsesUpdatedAtKey(42)} {
		if _, ok, _ := h.mem.Get(ctx, key); ok {
			t.Errorf("%s still stored after the pass acked 42", key)
		}
	}
	if h.cache.Assignment() != nil {
		t.Error("response cache still holds assignment 42")
	}
}

func TestSyncPassPartialFailureRetained(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.engine.unsub()
	_ = h.conn.SetOnline(ctx, false)
	for _, id := range []int64{1, 2, 3} {
		_, _ = h.engine.Submit(ctx, payload(id))
	}
	_ = h.conn.SetOnline(ctx, true)
	h.server.setFail(2, errUnreachable)

	res, err := h.engine.SyncPass(ctx)
	if err != nil {
		t.Fatalf("SyncPass: %v", err)
	}
	if len(res.Succeeded) != 2 || len(res.Failed) != 1 {
		t.Errorf("result = %s", res.Summary())
	}
	if ids := queuedIDs(t, h.queue); !sameIDs(ids, []int64{2}) {
		t.Fatalf("queue = %v, want [2]", ids)
	}
	entries, _ := h.queue.Drain(ctx)
	if entries[0].Attempts != 1 || entries[0].LastError == "" || entries[0].LastAttemptAt.IsZero() {
		t.Errorf("retained entry metadata = %+v", entries[0])
	}
	if res.Err() == nil {
		t.Error("PassResult.Err should report the failure")
	}

	h.server.setFail(2, nil)
	res, _ = h.engine.SyncPass(ctx)
	if len(res.Succeeded) != 1 || len(queuedIDs(t, h.queue)) != 0 {
		t.Errorf("second pass = %s", res.Summary())
	}
	if res.Err() != nil {
		t.Errorf("clean pass Err = %v", res.Err())
	}
}

func TestSyncPassEmptyIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.SyncPass(context.Background())
	if err != nil || !res.Empty() || res.Summary() != "nothing to sync" {
		t.Errorf("SyncPass on empty queue = %+v, %v", res, err)
	}
}

func TestSyncPassOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_ = h.conn.SetOnline(ctx, false)
	_, _ = h.engine.Submit(ctx, payload(1))
	res, err := h.engine.SyncPass(ctx)
	if !errors.Is(err, ErrOffline) || res.Remaining != 1 {
		t.Errorf("SyncPass offline = %+v, %v", res, err)
	}
	if len(h.server.sentIDs()) != 0 {
		t.Error("offline pass sent entries")
	}
}

func TestSyncPassRejectionDeadLettered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.server.setFail(1, errUnreachable)
	_, _ = h.engine.Submit(ctx, payload(1))
	h.server.setFail(1, errRejected)

	res, err := h.engine.SyncPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejected) != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
	if ids := queuedIDs(t, h.queue); len(ids) != 0 {
		t.Errorf("rejected entry still queued: %v", ids)
	}
	dead, _ := h.queue.DeadLetters(ctx)
	if len(dead) != 1 || dead[0].Payload.AssignmentID != 1 {
		t.Errorf("dead letters = %+v", dead)
	}
}

func TestSyncPassAuthFailureRetained(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.server.setFail(1, errUnreachable)
	_, _ = h.engine.Submit(ctx, payload(1))
	h.server.setFail(1, &syncclient.ServerError{StatusCode: http.StatusUnauthorized})

	res, _ := h.engine.SyncPass(ctx)
	if len(res.Failed) != 1 || len(res.Rejected) != 0 {
		t.Errorf("401 should be retried later: %s", res.Summary())
	}
}

func TestSyncPassMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{MaxAttempts: 2})
	h.server.setFail(1, errUnreachable)
	_, _ = h.engine.Submit(ctx, payload(1))

	res, _ := h.engine.SyncPass(ctx)
	if len(res.Failed) != 1 {
		t.Fatalf("first pass = %s", res.Summary())
	}
	res, _ = h.engine.SyncPass(ctx)
	if len(res.Exhausted) != 1 {
		t.Fatalf("second pass = %s", res.Summary())
	}
	if ids := queuedIDs(t, h.queue); len(ids) != 0 {
		t.Errorf("exhausted entry still queued: %v", ids)
	}
	if dead, _ := h.queue.DeadLetters(ctx); len(dead) != 1 || dead[0].Attempts != 2 {
		t.Errorf("dead letters = %+v", dead)
	}
}

func TestReconnectTriggersSync(t *testing.T) {
	ctx := context.Background()
	var passes int
	var mu gosync.Mutex
	h := newHarness(t, Options{OnPass: func(PassResult, error) {
		mu.Lock()
		passes++
		mu.Unlock()
	}})
	_ = h.conn.SetOnline(ctx, false)
	_, _ = h.engine.Submit(ctx, payload(11))
	_, _ = h.engine.Submit(ctx, payload(12))

	_ = h.conn.SetOnline(ctx, true)
	h.engine.Wait()

	if ids := queuedIDs(t, h.queue); len(ids) != 0 {
		t.Errorf("queue after reconnect = %v", ids)
	}
	mu.Lock()
	defer mu.Unlock()
	if passes != 1 {
		t.Errorf("passes = %d, want 1", passes)
	}
}

func TestSubmitDuringPassIsKept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.engine.unsub()
	_ = h.conn.SetOnline(ctx, false)
	_, _ = h.engine.Submit(ctx, payload(1))
	_ = h.conn.SetOnline(ctx, true)

	h.server.block = make(chan struct{})
	h.server.entered = make(chan int64, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.SyncPass(ctx)
	}()

	// Queue another entry while the pass is blocked on the send.
	<-h.server.entered
	if _, err := h.queue.Enqueue(ctx, payload(2)); err != nil {
		t.Fatal(err)
	}
	close(h.server.block)
	<-done

	if ids := queuedIDs(t, h.queue); !sameIDs(ids, []int64{2}) {
		t.Errorf("queue = %v, want [2]", ids)
	}
}

func TestSyncPassSendsEntryQueuedDuringWriteFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.engine.unsub()
	_ = h.conn.SetOnline(ctx, false)
	h.mem.FailWrites = true

	res, err := h.engine.Submit(ctx, payload(7))
	if err != nil || res.State != Queued || res.Durable {
		t.Fatalf("Submit = %+v, %v, want queued in memory", res, err)
	}
	_ = h.conn.SetOnline(ctx, true)

	pass, err := h.engine.SyncPass(ctx)
	if err != nil {
		t.Fatalf("SyncPass: %v", err)
	}
	if pass.Attempted != 1 || len(pass.Succeeded) != 1 {
		t.Fatalf("pass = %s, want the in-memory entry sent", pass.Summary())
	}
	if !sameIDs(h.server.sentIDs(), []int64{7}) {
		t.Errorf("sent = %v, want [7]", h.server.sentIDs())
	}

	h.mem.FailWrites = false
	if ids := queuedIDs(t, h.queue); len(ids) != 0 {
		t.Errorf("acked entry back in the queue: %v", ids)
	}
}

func TestReconnectRunsOnePass(t *testing.T) {
	ctx := context.Background()
	var passes []PassResult
	var mu gosync.Mutex
	h := newHarness(t, Options{OnPass: func(res PassResult, _ error) {
		mu.Lock()
		passes = append(passes, res)
		mu.Unlock()
	}})
	_ = h.conn.SetOnline(ctx, false)
	for _, id := range []int64{1, 2, 3} {
		_, _ = h.engine.Submit(ctx, payload(id))
	}
	h.server.setFail(2, errUnreachable)

	res, err := h.engine.Reconnect(ctx, func(ctx context.Context) bool {
		return h.conn.SetOnline(ctx, true) == nil
	})
	h.engine.Wait()
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if len(res.Succeeded) != 2 || len(res.Failed) != 1 {
		t.Errorf("result = %s, want 2 sent 1 failed", res.Summary())
	}
	if !sameIDs(h.server.sentIDs(), []int64{1, 2, 3}) {
		t.Errorf("sent = %v, want each entry once", h.server.sentIDs())
	}
	entries, _ := h.queue.Drain(ctx)
	if len(entries) != 1 || entries[0].Attempts != 1 {
		t.Errorf("queue = %+v, want entry 2 with one attempt", entries)
	}
	mu.Lock()
	n := len(passes)
	mu.Unlock()
	if n != 1 {
		t.Errorf("passes = %d, want 1", n)
	}

	// Later transitions sync in the background again.
	h.server.setFail(2, nil)
	_ = h.conn.SetOnline(ctx, false)
	_ = h.conn.SetOnline(ctx, true)
	h.engine.Wait()
	if ids := queuedIDs(t, h.queue); len(ids) != 0 {
		t.Errorf("queue after reconnect = %v", ids)
	}
}

func TestReconnectStillOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_ = h.conn.SetOnline(ctx, false)
	_, _ = h.engine.Submit(ctx, payload(1))

	res, err := h.engine.Reconnect(ctx, func(context.Context) bool { return false })
	if !errors.Is(err, ErrOffline) || res.Remaining != 1 {
		t.Errorf("Reconnect = %+v, %v, want offline with 1 remaining", res, err)
	}
	if len(h.server.sentIDs()) != 0 {
		t.Error("entries sent while offline")
	}
}

func TestSubmitReportsStates(t *testing.T) {
	ctx := context.Background()
	var states []State
	h := newHarness(t, Options{OnState: func(_ models.SubmissionPayload, s State) { states = append(states, s) }})

	_, _ = h.engine.Submit(ctx, payload(1))
	want := []State{Ready, Sending, Acked}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("online states = %v, want %v", states, want)
	}

	states = nil
	_ = h.conn.SetOnline(ctx, false)
	_, _ = h.engine.Submit(ctx, payload(2))
	want = []State{Ready, Queued}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("offline states = %v, want %v", states, want)
	}
}

func TestSubmitQueuesAfterCallerCancels(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	server := &fakeServer{block: make(chan struct{})}
	defer close(server.block)
	q := queue.New(db)
	e := New(server, q, connectivity.New(db), cache.New(db), Options{})
	t.Cleanup(e.Close)

	// The send outlives the caller, whose context is done by the time the
	// payload is queued.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := e.Submit(ctx, payload(4))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != Queued || !res.Durable {
		t.Errorf("result = %+v, want durably queued", res)
	}
	if ids := queuedIDs(t, q); !sameIDs(ids, []int64{4}) {
		t.Errorf("queue = %v, want [4]", ids)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Collecting: "collecting", Queued: "queued", FailedPermanent: "failed"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
	if !Acked.Terminal() || Sending.Terminal() {
		t.Error("Terminal() wrong")
	}
}
