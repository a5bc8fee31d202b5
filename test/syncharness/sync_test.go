package syncharness

import (
	"context"
	"errors"
	"testing"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/store"
	syncengine "github.com/marcus/fieldsync/internal/sync"
	"github.com/marcus/fieldsync/internal/syncclient"
)

func fillInspection(d *Device) {
	d.Set(11, models.Text("valve 3 sticks"))
	d.Set(12, models.Flag(true))
	d.Set(13, models.Choice("poor"))
}

func TestOnlineSubmitIsAcked(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	d := h.NewDevice(store.NewMemory(), worker)

	d.Open(42)
	fillInspection(d)
	res, err := d.Submit()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.State != syncengine.Acked || res.Message != syncengine.MsgSubmitted {
		t.Fatalf("result = %+v, want acked", res)
	}

	sub := h.Submission(42)
	if sub == nil || sub.Received != 1 || sub.DeviceID != d.ID {
		t.Fatalf("submission = %+v", sub)
	}
	a := h.ServerAssignment(42)
	if !a.Completed() {
		t.Errorf("server status = %v, want completed", a.Status)
	}
	if f, _ := a.Field(11); f.Response != "valve 3 sticks" {
		t.Errorf("notes response = %q", f.Response)
	}
	if f, _ := a.Field(12); f.Response != "true" {
		t.Errorf("pass/fail response = %q", f.Response)
	}
	if d.Cache.Assignment() != nil {
		t.Error("cache still holds the acked assignment")
	}
}

func TestOfflineSubmitSyncsOnReconnect(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	d := h.NewDevice(store.NewMemory(), worker)

	d.Open(42)
	fillInspection(d)
	d.SetOnline(false)

	res, err := d.Submit()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.State != syncengine.Queued || res.SendErr != nil || !res.Durable {
		t.Fatalf("result = %+v, want durable queued", res)
	}
	if h.Submission(42) != nil {
		t.Fatal("server received work while offline")
	}
	if d.Queued() != 1 {
		t.Fatalf("queued = %d, want 1", d.Queued())
	}
	if d.Cache.Assignment() == nil {
		t.Fatal("offline submit cleared the cache")
	}

	d.SetOnline(true)
	d.Engine.Wait()

	if d.Queued() != 0 {
		t.Errorf("queued after reconnect = %d, want 0", d.Queued())
	}
	if sub := h.Submission(42); sub == nil || sub.Received != 1 {
		t.Fatalf("submission after reconnect = %+v", sub)
	}
	for _, key := range []string{store.ResponsesKey(42), store.ResponsesUpdatedAtKey(42)} {
		if _, ok, _ := d.Store.Get(context.Background(), key); ok {
			t.Errorf("%s still stored after the queued work was acked", key)
		}
	}
	if d.Cache.Assignment() != nil {
		t.Error("cache still holds the acked assignment")
	}

	list, err := d.Catalog.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Assignments) != 1 || !list.Assignments[0].Completed() {
		t.Errorf("catalog = %+v, want one completed assignment", list.Assignments)
	}
}

func TestServerDownQueuesUntilNextPass(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	d := h.NewDevice(store.NewMemory(), worker)

	d.Open(42)
	fillInspection(d)
	h.SetDown(true)

	res, err := d.Submit()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.State != syncengine.Queued || !syncclient.IsNetwork(res.SendErr) {
		t.Fatalf("result = %+v, want queued with a network error", res)
	}

	pass, err := d.Engine.SyncPass(context.Background())
	if err != nil {
		t.Fatalf("pass while down: %v", err)
	}
	if len(pass.Failed) != 1 || d.Queued() != 1 {
		t.Fatalf("pass while down = %+v, queued = %d", pass, d.Queued())
	}

	h.SetDown(false)
	pass, err = d.Engine.SyncPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(pass.Succeeded) != 1 || d.Queued() != 0 {
		t.Fatalf("pass = %+v, queued = %d", pass, d.Queued())
	}
	if h.Submission(42) == nil {
		t.Fatal("server has no submission")
	}
}

func TestResubmissionIsIdempotent(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	d := h.NewDevice(store.NewMemory(), worker)

	a := d.Open(42)
	fillInspection(d)
	p := models.BuildPayload(a, d.ID, d.Cache.Snapshot())

	for i := 0; i < 2; i++ {
		res, err := d.Engine.Submit(context.Background(), p)
		if err != nil || res.State != syncengine.Acked {
			t.Fatalf("submit %d: %+v, %v", i, res, err)
		}
	}

	sub := h.Submission(42)
	if sub == nil || sub.Received != 2 {
		t.Fatalf("submission = %+v, want received twice", sub)
	}
	if n, _ := h.ServerDB.CountSubmissions(context.Background()); n != 1 {
		t.Errorf("submission count = %d, want 1", n)
	}
}

func TestUnknownFieldIsDeadLettered(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	d := h.NewDevice(store.NewMemory(), worker)

	local := inspection(42)
	local.Tasks[0].Fields = append(local.Tasks[0].Fields,
		models.Field{FieldID: 99, FieldSequence: 5, InputType: models.InputTextBox, Label: "Extra"})
	p := models.BuildPayload(&local, d.ID, models.TaskResponseSet{
		99: {FieldID: 99, Value: models.Text("not on the server")},
	})

	d.SetOnline(false)
	if _, err := d.Engine.Submit(context.Background(), p); err != nil {
		t.Fatalf("submit: %v", err)
	}
	d.SetOnline(true)
	d.Engine.Wait()

	if d.Queued() != 0 {
		t.Errorf("queued = %d, want 0", d.Queued())
	}
	dead, err := d.Queue.DeadLetters(context.Background())
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].Payload.AssignmentID != 42 || dead[0].LastError == "" {
		t.Fatalf("dead letters = %+v", dead)
	}
	if h.Submission(42) != nil {
		t.Error("server stored a payload with an unknown field")
	}
}

func TestForeignAssignmentFailsPermanently(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker+1, inspection(50))
	d := h.NewDevice(store.NewMemory(), worker)

	if _, err := d.Catalog.Get(context.Background(), 50); err == nil {
		t.Fatal("fetched another worker's assignment")
	}

	a := inspection(50)
	p := models.BuildPayload(&a, d.ID, models.TaskResponseSet{
		11: {FieldID: 11, Value: models.Text("x")},
	})
	res, err := d.Engine.Submit(context.Background(), p)
	if err == nil || res.State != syncengine.FailedPermanent {
		t.Fatalf("submit = %+v, %v; want failed", res, err)
	}
	if !errors.Is(err, syncclient.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	if d.Queued() != 0 {
		t.Errorf("rejected work was queued")
	}
}

func TestBadTokenKeepsWorkQueued(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	d := h.NewDeviceWithToken(store.NewMemory(), worker, "not-a-token")

	a := inspection(42)
	p := models.BuildPayload(&a, d.ID, models.TaskResponseSet{
		11: {FieldID: 11, Value: models.Text("x")},
	})
	d.SetOnline(false)
	if _, err := d.Engine.Submit(context.Background(), p); err != nil {
		t.Fatalf("submit: %v", err)
	}

	d.SetOnline(true)
	d.Engine.Wait()

	entries, err := d.Queue.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 || entries[0].Attempts != 1 {
		t.Fatalf("queue = %+v, want one entry with one attempt", entries)
	}
	if dead, _ := d.Queue.DeadLetters(context.Background()); len(dead) != 0 {
		t.Errorf("dead letters = %d, want 0", len(dead))
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	dir := t.TempDir()

	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	d := h.NewDevice(db, worker)
	d.Open(42)
	fillInspection(d)
	d.SetOnline(false)
	if res, err := d.Submit(); err != nil || !res.Durable {
		t.Fatalf("submit = %+v, %v", res, err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	db, err = store.Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	d = h.NewDevice(db, worker)

	if d.Conn.IsOnline() {
		t.Fatal("offline state was not restored")
	}
	if d.Queued() != 1 {
		t.Fatalf("queued after restart = %d, want 1", d.Queued())
	}

	d.SetOnline(true)
	d.Engine.Wait()
	if d.Queued() != 0 {
		t.Errorf("queued after sync = %d, want 0", d.Queued())
	}
	if sub := h.Submission(42); sub == nil {
		t.Fatal("server has no submission")
	} else if sub.Payload.FieldCount() != 4 {
		t.Errorf("field count = %d, want 4", sub.Payload.FieldCount())
	}
}

func TestCatalogServesCacheOffline(t *testing.T) {
	h := NewHarness(t)
	h.Seed(worker, inspection(42))
	h.Seed(worker, inspection(43))
	d := h.NewDevice(store.NewMemory(), worker)
	ctx := context.Background()

	online, err := d.Catalog.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if online.Cached || len(online.Assignments) != 2 {
		t.Fatalf("online listing = %+v", online)
	}

	d.SetOnline(false)
	offline, err := d.Catalog.List(ctx)
	if err != nil {
		t.Fatalf("offline list: %v", err)
	}
	if !offline.Cached || offline.Warning == "" || len(offline.Assignments) != 2 {
		t.Fatalf("offline listing = %+v", offline)
	}
	if _, err := d.Catalog.Get(ctx, 43); err != nil {
		t.Errorf("get cached assignment: %v", err)
	}

	h.SetDown(true)
	d.SetOnline(true)
	d.Engine.Wait()
	fallback, err := d.Catalog.List(ctx)
	if err != nil {
		t.Fatalf("list with server down: %v", err)
	}
	if !fallback.Cached {
		t.Error("listing with server down was not served from cache")
	}
}
