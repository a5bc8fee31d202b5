// Package cache holds the in-progress responses of the assignment being
// worked on and persists every edit to the durable store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/store"
)

var (
	// ErrNoAssignment is returned when no assignment has been hydrated.
	ErrNoAssignment = errors.New("no assignment loaded")
	// ErrUnknownField is returned for field ids not in the active assignment.
	ErrUnknownField = errors.New("unknown field")
	// ErrNotInput is returned for label and button fields.
	ErrNotInput = models.ErrNotInput
	// ErrKindMismatch is returned when a value variant does not fit the
	// field's input type.
	ErrKindMismatch = errors.New("value does not match field input type")
)

// Cache is the response cache for one active assignment. All methods are
// safe for concurrent use; mutations are serialized.
type Cache struct {
	store store.Store
	now   func() time.Time

	mu         sync.Mutex
	assignment *models.Assignment
	fields     map[models.FieldID]models.Field
	responses  models.TaskResponseSet
	persistErr error
}

// New returns an empty cache backed by s.
func New(s store.Store) *Cache {
	return &Cache{
		store:     s,
		now:       time.Now,
		responses: make(models.TaskResponseSet),
	}
}

// Hydrate loads a as the active assignment. Each input field is seeded from the
// response already present on the task data, then any responses persisted
// locally are laid over the top so unsent edits survive a restart.
//
// A corrupt persisted blob is discarded. A read failure is returned as a
// *store.StorageError but the cache is still usable with the seeded values.
func (c *Cache) Hydrate(ctx context.Context, a *models.Assignment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.assignment = a
	c.fields = make(map[models.FieldID]models.Field)
	c.responses = make(models.TaskResponseSet)
	c.persistErr = nil

	for _, t := range a.Tasks {
		for _, f := range t.Fields {
			c.fields[f.FieldID] = f
			if !f.InputType.IsInput() {
				continue
			}
			c.responses[f.FieldID] = models.FieldResponse{FieldID: f.FieldID, Value: seed(f)}
		}
	}

	key := store.ResponsesKey(a.ID)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var saved models.TaskResponseSet
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		cerr := &store.CorruptError{Key: key, Err: err}
		slog.Warn("discarding persisted responses", "assignment", a.ID, "err", cerr)
		if rmErr := c.store.RemoveMultiple(ctx, []string{key, store.ResponsesUpdatedAtKey(a.ID)}); rmErr != nil {
			slog.Warn("reset responses", "assignment", a.ID, "err", rmErr)
		}
		return nil
	}
	restored := 0
	for id, r := range saved {
		f, known := c.fields[id]
		if !known || !f.InputType.IsInput() || !r.Dirty {
			continue
		}
		r.FieldID = id
		c.responses[id] = r
		restored++
	}
	slog.Debug("hydrated responses", "assignment", a.ID, "restored", restored)
	return nil
}

// seed converts a server-provided prior response into a value.
func seed(f models.Field) models.Value {
	if f.Response == "" {
		return models.Empty()
	}
	v, err := models.ParseValue(f, f.Response)
	if err != nil {
		slog.Debug("ignoring prior response", "field", f.FieldID, "err", err)
		return models.Empty()
	}
	return v
}

// Assignment returns the active assignment, or nil.
func (c *Cache) Assignment() *models.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment
}

// SetFieldValue records a response and persists the whole set. If the
// persist fails the in-memory update stands and the *store.StorageError is
// returned; PersistErr reports it until the next successful persist.
func (c *Cache) SetFieldValue(ctx context.Context, id models.FieldID, v models.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.assignment == nil {
		return ErrNoAssignment
	}
	f, ok := c.fields[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownField, id)
	}
	if !f.InputType.IsInput() {
		return fmt.Errorf("field %d: %w", id, ErrNotInput)
	}
	if !accepts(f.InputType, v.Kind()) {
		return fmt.Errorf("field %d (%s) given %s: %w", id, f.InputType, v.Kind(), ErrKindMismatch)
	}

	c.responses[id] = models.FieldResponse{FieldID: id, Value: v, Dirty: true}
	return c.persistLocked(ctx)
}

func accepts(t models.InputType, k models.Kind) bool {
	if k == models.KindEmpty {
		return true
	}
	switch t {
	case models.InputTextBox:
		return k == models.KindText
	case models.InputDropDown:
		return k == models.KindChoice
	case models.InputCheckBox, models.InputPassFail:
		return k == models.KindFlag
	case models.InputCaptureImage:
		return k == models.KindImageRef
	}
	return false
}

func (c *Cache) persistLocked(ctx context.Context) error {
	id := c.assignment.ID
	data, err := json.Marshal(c.responses)
	if err != nil {
		c.persistErr = fmt.Errorf("encode responses: %w", err)
		return c.persistErr
	}
	if err := c.store.Set(ctx, store.ResponsesKey(id), string(data)); err != nil {
		c.persistErr = err
		slog.Warn("persist responses", "assignment", id, "err", err)
		return err
	}
	if err := c.store.Set(ctx, store.ResponsesUpdatedAtKey(id), c.now().UTC().Format(time.RFC3339)); err != nil {
		c.persistErr = err
		return err
	}
	c.persistErr = nil
	return nil
}

// PersistErr returns the last persist failure, or nil if the most recent
// persist succeeded.
func (c *Cache) PersistErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistErr
}

// GetFieldValue returns the current value of a field.
func (c *Cache) GetFieldValue(id models.FieldID) (models.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.responses[id]
	return r.Value, ok
}

// Snapshot returns a copy of the current responses.
func (c *Cache) Snapshot() models.TaskResponseSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responses.Clone()
}

// DirtyCount returns how many fields have been edited locally.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.responses {
		if r.Dirty {
			n++
		}
	}
	return n
}

// Clear removes the persisted responses of an assignment. If it is the
// active assignment the in-memory mapping is dropped too.
func (c *Cache) Clear(ctx context.Context, assignmentID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.assignment != nil && c.assignment.ID == assignmentID {
		c.assignment = nil
		c.fields = nil
		c.responses = make(models.TaskResponseSet)
		c.persistErr = nil
	}
	return c.store.RemoveMultiple(ctx, []string{
		store.ResponsesKey(assignmentID),
		store.ResponsesUpdatedAtKey(assignmentID),
	})
}

// UpdatedAt returns when the responses of an assignment were last persisted.
func (c *Cache) UpdatedAt(ctx context.Context, assignmentID int64) (time.Time, bool, error) {
	raw, ok, err := c.store.Get(ctx, store.ResponsesUpdatedAtKey(assignmentID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, &store.CorruptError{Key: store.ResponsesUpdatedAtKey(assignmentID), Err: err}
	}
	return ts, true, nil
}
