// Package assignments keeps the worker's assignment list available offline.
// Every successful fetch is cached in the durable store and served from
// there when the server cannot be reached.
package assignments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/connectivity"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/store"
)

// NoCacheMessage is shown when there is neither a connection nor a cache.
const NoCacheMessage = "No stored assignments available. Please connect to the internet to fetch assignments."

var (
	// ErrNoCache is returned when offline with nothing cached.
	ErrNoCache = errors.New("no stored assignments")
	// ErrNotFound is returned by Get for unknown assignment ids.
	ErrNotFound = errors.New("assignment not found")
)

// Fetcher is the part of the sync client the catalog needs.
type Fetcher interface {
	ListAssignments(ctx context.Context, workerID int64) ([]models.Assignment, error)
	GetAssignment(ctx context.Context, id int64) (*models.Assignment, error)
}

// Listing is the result of List.
type Listing struct {
	Assignments []models.Assignment
	// Cached is true when the list came from the local cache.
	Cached    bool
	UpdatedAt time.Time
	// Warning explains why cached data is shown.
	Warning string
}

// Catalog serves assignments from the server or the local cache.
type Catalog struct {
	store    store.Store
	client   Fetcher
	conn     *connectivity.State
	workerID int64
	timeout  time.Duration
	now      func() time.Time
}

// New creates a catalog for a worker.
func New(s store.Store, client Fetcher, conn *connectivity.State, workerID int64, timeout time.Duration) *Catalog {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Catalog{
		store:    s,
		client:   client,
		conn:     conn,
		workerID: workerID,
		timeout:  timeout,
		now:      time.Now,
	}
}

// List returns the worker's assignments. When online it fetches and caches
// them; when offline or the fetch fails it falls back to the cache.
func (c *Catalog) List(ctx context.Context) (Listing, error) {
	if !c.conn.IsOnline() {
		return c.fromCache(ctx, "offline, showing cached data")
	}
	listing, err := c.Refresh(ctx)
	if err == nil {
		return listing, nil
	}
	slog.Warn("fetch assignments", "err", err)
	return c.fromCache(ctx, fmt.Sprintf("could not reach server (%v), showing cached data", err))
}

// Refresh fetches from the server and replaces the cache.
func (c *Catalog) Refresh(ctx context.Context) (Listing, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	list, err := c.client.ListAssignments(cctx, c.workerID)
	cancel()
	if err != nil {
		return Listing{}, err
	}
	sortAssignments(list)
	now := c.now().UTC()
	if err := c.save(ctx, list, now); err != nil {
		slog.Warn("cache assignments", "err", err)
	}
	return Listing{Assignments: list, UpdatedAt: now}, nil
}

func (c *Catalog) fromCache(ctx context.Context, warning string) (Listing, error) {
	list, updated, err := c.load(ctx)
	if err != nil {
		return Listing{}, err
	}
	if list == nil {
		return Listing{}, ErrNoCache
	}
	return Listing{Assignments: list, Cached: true, UpdatedAt: updated, Warning: warning}, nil
}

// Get returns one assignment, from the cache when present, otherwise from
// the server when online.
func (c *Catalog) Get(ctx context.Context, id int64) (*models.Assignment, error) {
	list, updated, err := c.load(ctx)
	if err != nil {
		slog.Warn("read assignment cache", "err", err)
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	if !c.conn.IsOnline() {
		if list == nil {
			return nil, ErrNoCache
		}
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	a, err := c.client.GetAssignment(cctx, id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch assignment %d: %w", id, err)
	}
	list = append(list, *a)
	sortAssignments(list)
	if updated.IsZero() {
		updated = c.now().UTC()
	}
	if err := c.save(ctx, list, updated); err != nil {
		slog.Warn("cache assignment", "id", id, "err", err)
	}
	return a, nil
}

// MarkCompleted flags a cached assignment as completed after the server
// acknowledged its submission.
func (c *Catalog) MarkCompleted(ctx context.Context, id int64) error {
	return store.Update(ctx, c.store, store.KeyAssignmentsCache, func(old string, ok bool) (string, error) {
		if !ok {
			return old, nil
		}
		var list []models.Assignment
		if err := json.Unmarshal([]byte(old), &list); err != nil {
			return "", &store.CorruptError{Key: store.KeyAssignmentsCache, Err: err}
		}
		for i := range list {
			if list[i].ID == id {
				list[i].Status = models.StatusCompleted
			}
		}
		data, err := json.Marshal(list)
		return string(data), err
	})
}

func (c *Catalog) load(ctx context.Context) ([]models.Assignment, time.Time, error) {
	raw, ok, err := c.store.Get(ctx, store.KeyAssignmentsCache)
	if err != nil || !ok {
		return nil, time.Time{}, err
	}
	var list []models.Assignment
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		slog.Warn("discarding assignment cache", "err", &store.CorruptError{Key: store.KeyAssignmentsCache, Err: err})
		_ = c.store.RemoveMultiple(ctx, []string{store.KeyAssignmentsCache, store.KeyAssignmentsUpdatedAt})
		return nil, time.Time{}, nil
	}
	if list == nil {
		list = []models.Assignment{}
	}
	var updated time.Time
	if ts, ok, _ := c.store.Get(ctx, store.KeyAssignmentsUpdatedAt); ok {
		updated, _ = time.Parse(time.RFC3339, ts)
	}
	return list, updated, nil
}

func (c *Catalog) save(ctx context.Context, list []models.Assignment, at time.Time) error {
	if list == nil {
		list = []models.Assignment{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode assignments: %w", err)
	}
	if err := c.store.Set(ctx, store.KeyAssignmentsCache, string(data)); err != nil {
		return err
	}
	return c.store.Set(ctx, store.KeyAssignmentsUpdatedAt, at.Format(time.RFC3339))
}

// sortAssignments puts open work first, then by id.
func sortAssignments(list []models.Assignment) {
	sort.SliceStable(list, func(i, j int) bool {
		ci, cj := list[i].Completed(), list[j].Completed()
		if ci != cj {
			return !ci
		}
		return list[i].ID < list[j].ID
	})
}
