package cmd

import (
	"context"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/marcus/fieldsync/internal/assignments"
	"github.com/marcus/fieldsync/internal/auth"
	"github.com/marcus/fieldsync/internal/cache"
	"github.com/marcus/fieldsync/internal/connectivity"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
	"github.com/marcus/fieldsync/internal/queue"
	"github.com/marcus/fieldsync/internal/store"
	syncengine "github.com/marcus/fieldsync/internal/sync"
	"github.com/marcus/fieldsync/internal/syncclient"
)

// app holds the components shared by the commands.
type app struct {
	store   store.Store
	db      *store.DB
	conn    *connectivity.State
	queue   *queue.Queue
	cache   *cache.Cache
	auth    *auth.Manager
	client  *syncclient.Client
	catalog *assignments.Catalog
	engine  *syncengine.Engine
}

// openStore opens the durable store in the configured data directory. When
// that fails the commands keep working on an in-memory store for the rest
// of the process.
func openStore() (store.Store, *store.DB) {
	dir, err := cfg.ResolvedDataDir()
	if err == nil {
		var db *store.DB
		db, err = store.Open(dir)
		if err == nil {
			return db, db
		}
	}
	slog.Warn("local storage unavailable, using memory", "err", err)
	output.Warning("local storage unavailable (%v); changes will not survive this process", err)
	return store.NewMemory(), nil
}

// oauthConfig describes the device flow endpoints of the configured server.
func oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: cfg.Auth.ClientID,
		Scopes:   cfg.Auth.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: cfg.DeviceAuthEndpoint(),
			TokenURL:      cfg.TokenEndpoint(),
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

// openApp wires the client components. onPass, when set, receives every
// sync pass result.
func openApp(ctx context.Context, onPass func(syncengine.PassResult, error)) *app {
	a := &app{}
	a.store, a.db = openStore()

	conn, err := connectivity.Load(ctx, a.store)
	if err != nil {
		slog.Warn("load connectivity state", "err", err)
	}
	a.conn = conn
	a.queue = queue.New(a.store)
	a.cache = cache.New(a.store)
	a.auth = auth.New(a.store, oauthConfig())

	a.client = syncclient.New(cfg.ServerURL, a.auth.TokenSource(ctx))
	a.client.UserAgent = "fieldsync/" + versionStr

	a.catalog = assignments.New(a.store, a.client, a.conn, cfg.WorkerID, cfg.SyncTimeout())
	a.engine = syncengine.New(a.client, a.queue, a.conn, a.cache, syncengine.Options{
		Timeout:     cfg.SyncTimeout(),
		MaxAttempts: cfg.Sync.MaxAttempts,
		OnAck: func(ctx context.Context, p models.SubmissionPayload) {
			if err := a.catalog.MarkCompleted(ctx, p.AssignmentID); err != nil {
				slog.Debug("mark completed", "assignment", p.AssignmentID, "err", err)
			}
		},
		OnPass: onPass,
		OnState: func(p models.SubmissionPayload, s syncengine.State) {
			slog.Debug("submission state", "assignment", p.AssignmentID, "state", s)
		},
	})
	return a
}

// prober returns a health prober for the configured server.
func (a *app) prober() *connectivity.Prober {
	return &connectivity.Prober{
		State:    a.conn,
		Checker:  a.client,
		Interval: cfg.ProbeInterval(),
	}
}

// Close waits for background passes and releases the store.
func (a *app) Close() {
	a.engine.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Debug("close store", "err", err)
		}
	}
}

// loadAssignment fetches an assignment and hydrates the response cache with
// it.
func (a *app) loadAssignment(ctx context.Context, id int64) (*models.Assignment, error) {
	asg, err := a.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.cache.Hydrate(ctx, asg); err != nil {
		output.Warning("could not read saved responses: %v", err)
	}
	return asg, nil
}
