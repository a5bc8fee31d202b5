package syncharness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/marcus/fieldsync/internal/api"
	"github.com/marcus/fieldsync/internal/assignments"
	"github.com/marcus/fieldsync/internal/cache"
	"github.com/marcus/fieldsync/internal/connectivity"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/queue"
	"github.com/marcus/fieldsync/internal/serverdb"
	"github.com/marcus/fieldsync/internal/store"
	syncengine "github.com/marcus/fieldsync/internal/sync"
	"github.com/marcus/fieldsync/internal/syncclient"
)

const worker = 9

// Harness runs the real server over HTTP and builds client devices wired the
// way the CLI wires them.
type Harness struct {
	t        *testing.T
	Server   *api.Server
	ServerDB *serverdb.ServerDB
	URL      string
	down     atomic.Bool
}

// NewHarness starts a server backed by an in-memory database.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	db, err := serverdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	srv, err := api.NewServer(api.Config{
		JWTSecret:      "harness-secret",
		RateLimitAuth:  100000,
		RateLimitWrite: 100000,
	}, db)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	h := &Harness{t: t, Server: srv, ServerDB: db}
	httpSrv := httptest.NewServer(http.HandlerFunc(h.serve))
	h.URL = httpSrv.URL
	t.Cleanup(func() {
		httpSrv.Close()
		db.Close()
	})
	return h
}

// serve drops connections while the server is marked down.
func (h *Harness) serve(w http.ResponseWriter, r *http.Request) {
	if h.down.Load() {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}
	h.Server.Handler().ServeHTTP(w, r)
}

// SetDown makes the server unreachable (true) or reachable again.
func (h *Harness) SetDown(down bool) {
	h.down.Store(down)
}

// Seed stores an assignment on the server.
func (h *Harness) Seed(workerID int64, a models.Assignment) {
	h.t.Helper()
	if err := h.ServerDB.UpsertAssignment(context.Background(), workerID, a); err != nil {
		h.t.Fatalf("seed: %v", err)
	}
}

// Submission returns what the server stored for an assignment, or nil.
func (h *Harness) Submission(id int64) *serverdb.Submission {
	h.t.Helper()
	s, err := h.ServerDB.GetSubmission(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get submission: %v", err)
	}
	return s
}

// ServerAssignment returns the server copy of an assignment.
func (h *Harness) ServerAssignment(id int64) *models.Assignment {
	h.t.Helper()
	a, _, err := h.ServerDB.GetAssignment(context.Background(), id)
	if err != nil || a == nil {
		h.t.Fatalf("server assignment %d: %v, %v", id, a, err)
	}
	return a
}

// Device is one client installation.
type Device struct {
	t       *testing.T
	ID      int64
	Store   store.Store
	Conn    *connectivity.State
	Queue   *queue.Queue
	Cache   *cache.Cache
	Client  *syncclient.Client
	Catalog *assignments.Catalog
	Engine  *syncengine.Engine
}

// NewDevice builds a device on s that authenticates as workerID.
func (h *Harness) NewDevice(s store.Store, workerID int64) *Device {
	h.t.Helper()
	tok, _, err := h.Server.MintToken(workerID, time.Hour)
	if err != nil {
		h.t.Fatalf("mint token: %v", err)
	}
	return h.NewDeviceWithToken(s, workerID, tok)
}

// NewDeviceWithToken builds a device that sends the given bearer token.
func (h *Harness) NewDeviceWithToken(s store.Store, workerID int64, token string) *Device {
	h.t.Helper()
	ctx := context.Background()
	conn, err := connectivity.Load(ctx, s)
	if err != nil {
		h.t.Fatalf("load connectivity: %v", err)
	}

	d := &Device{t: h.t, ID: 3, Store: s, Conn: conn}
	d.Queue = queue.New(s)
	d.Cache = cache.New(s)
	d.Client = syncclient.New(h.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	d.Catalog = assignments.New(s, d.Client, conn, workerID, 5*time.Second)
	d.Engine = syncengine.New(d.Client, d.Queue, conn, d.Cache, syncengine.Options{
		Timeout:     5 * time.Second,
		MaxAttempts: 5,
		OnAck: func(ctx context.Context, p models.SubmissionPayload) {
			d.Catalog.MarkCompleted(ctx, p.AssignmentID)
		},
	})
	h.t.Cleanup(d.Engine.Close)
	return d
}

// Open loads an assignment into the response cache.
func (d *Device) Open(id int64) *models.Assignment {
	d.t.Helper()
	ctx := context.Background()
	a, err := d.Catalog.Get(ctx, id)
	if err != nil {
		d.t.Fatalf("get assignment %d: %v", id, err)
	}
	if err := d.Cache.Hydrate(ctx, a); err != nil {
		d.t.Fatalf("hydrate: %v", err)
	}
	return a
}

// Set records a response in the cache.
func (d *Device) Set(id models.FieldID, v models.Value) {
	d.t.Helper()
	if err := d.Cache.SetFieldValue(context.Background(), id, v); err != nil {
		d.t.Fatalf("set field %d: %v", id, err)
	}
}

// Submit builds the payload from the cache and submits it.
func (d *Device) Submit() (syncengine.Result, error) {
	d.t.Helper()
	a := d.Cache.Assignment()
	if a == nil {
		d.t.Fatal("no assignment open")
	}
	return d.Engine.Submit(context.Background(), models.BuildPayload(a, d.ID, d.Cache.Snapshot()))
}

// SetOnline changes the connectivity state.
func (d *Device) SetOnline(online bool) {
	d.t.Helper()
	if err := d.Conn.SetOnline(context.Background(), online); err != nil {
		d.t.Fatalf("set online: %v", err)
	}
}

// Queued returns the number of queued submissions.
func (d *Device) Queued() int {
	d.t.Helper()
	n, err := d.Queue.Len(context.Background())
	if err != nil {
		d.t.Fatalf("queue len: %v", err)
	}
	return n
}

// inspection is an assignment with an instruction label, a notes box, a
// pass/fail check and a condition dropdown.
func inspection(id int64) models.Assignment {
	return models.Assignment{
		ID:     id,
		Name:   "Pump station inspection",
		Type:   models.AssignmentChecklist,
		Status: models.StatusInProgress,
		Tasks: []models.Task{{
			AssignmentTaskID: 7,
			TaskSequence:     1,
			Name:             "Inspection",
			Fields: []models.Field{
				{FieldID: 10, FieldSequence: 1, InputType: models.InputLabel, Label: "Instruction:", Detail: "Check the valves"},
				{FieldID: 11, FieldSequence: 2, InputType: models.InputTextBox, Label: "Notes"},
				{FieldID: 12, FieldSequence: 3, InputType: models.InputPassFail, Label: "Pressure"},
				{FieldID: 13, FieldSequence: 4, InputType: models.InputDropDown, Label: "Condition", Options: []string{"good", "poor"}},
			},
		}},
	}
}
