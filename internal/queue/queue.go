// Package queue is the durable FIFO of submissions waiting for the server.
// The whole list is persisted under one key after every mutation.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/store"
)

// Entry is a queued submission. Insertion order is retry order.
type Entry struct {
	ID            string                   `json:"id"`
	Payload       models.SubmissionPayload `json:"payload"`
	EnqueuedAt    time.Time                `json:"enqueuedAt"`
	Attempts      int                      `json:"attempts"`
	LastAttemptAt time.Time                `json:"lastAttemptAt"`
	LastError     string                   `json:"lastError,omitempty"`
}

// Queue is the submission queue. Methods are serialized by a mutex and
// every write is a read-modify-write of the persisted list, so other
// processes sharing the store are not clobbered.
//
// When a write fails the in-memory list is ahead of the store. It stays
// authoritative until a later write succeeds, and the *store.StorageError is
// returned to the caller meanwhile.
type Queue struct {
	store store.Store
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	entries []Entry
	dead    []Entry
	// ahead marks keys whose in-memory list has not been persisted.
	ahead map[string]bool
}

// New returns a queue persisted in s.
func New(s store.Store) *Queue {
	return &Queue{
		store: s,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// decode parses a persisted list. A value that is not a list is reported
// as corrupt and treated as empty.
func decode(key, raw string) ([]Entry, error) {
	if raw == "" {
		return nil, nil
	}
	var list []Entry
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, &store.CorruptError{Key: key, Err: err}
	}
	return list, nil
}

func encode(list []Entry) (string, error) {
	if list == nil {
		list = []Entry{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode queue: %w", err)
	}
	return string(data), nil
}

// mutate applies fn to the persisted list under key. While the in-memory
// copy is ahead of the store, or when the store fails before fn runs, fn is
// applied to the in-memory copy instead.
func (q *Queue) mutate(ctx context.Context, key string, mem *[]Entry, fn func([]Entry) []Entry) error {
	if q.ahead[key] {
		*mem = fn(*mem)
		return q.flush(ctx, key, *mem)
	}
	applied := false
	err := store.Update(ctx, q.store, key, func(old string, ok bool) (string, error) {
		list, err := decode(key, old)
		if err != nil {
			slog.Warn("resetting corrupt queue", "err", err)
		}
		list = fn(list)
		*mem = list
		applied = true
		return encode(list)
	})
	if err != nil {
		if !applied {
			*mem = fn(*mem)
		}
		q.markAhead(key, true)
		slog.Warn("persist queue", "key", key, "err", err)
	}
	return err
}

func (q *Queue) markAhead(key string, ahead bool) {
	if !ahead {
		delete(q.ahead, key)
		return
	}
	if q.ahead == nil {
		q.ahead = make(map[string]bool)
	}
	q.ahead[key] = true
}

// flush writes the in-memory list under key, replacing the stored one.
func (q *Queue) flush(ctx context.Context, key string, mem []Entry) error {
	raw, err := encode(mem)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, key, raw); err != nil {
		slog.Warn("persist queue", "key", key, "err", err)
		return err
	}
	q.markAhead(key, false)
	slog.Info("queue persisted after storage recovered", "key", key, "entries", len(mem))
	return nil
}

// read returns the list under key. An in-memory copy that is ahead of the
// store wins and is written back first.
func (q *Queue) read(ctx context.Context, key string, mem *[]Entry) ([]Entry, error) {
	if q.ahead[key] {
		return clone(*mem), q.flush(ctx, key, *mem)
	}
	raw, ok, err := q.store.Get(ctx, key)
	if err != nil {
		return clone(*mem), err
	}
	if !ok {
		*mem = nil
		return nil, nil
	}
	list, err := decode(key, raw)
	if err != nil {
		slog.Warn("resetting corrupt queue", "err", err)
		*mem = nil
		if serr := q.store.Set(ctx, key, "[]"); serr != nil {
			slog.Warn("reset queue", "key", key, "err", serr)
		}
		return nil, nil
	}
	*mem = list
	return clone(list), nil
}

func clone(list []Entry) []Entry {
	if len(list) == 0 {
		return nil
	}
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// Enqueue appends a payload and persists the list. The returned entry is
// valid even when err is a storage failure.
func (q *Queue) Enqueue(ctx context.Context, p models.SubmissionPayload) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := Entry{ID: q.newID(), Payload: p, EnqueuedAt: q.now().UTC()}
	err := q.mutate(ctx, store.KeySubmissionQueue, &q.entries, func(list []Entry) []Entry {
		return append(list, e)
	})
	if err == nil {
		slog.Info("submission queued", "id", e.ID, "assignment", p.AssignmentID)
	}
	return e, err
}

// Drain returns the queued entries in FIFO order without removing them.
// On a read failure the in-memory list is returned with the error.
func (q *Queue) Drain(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(ctx, store.KeySubmissionQueue, &q.entries)
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	list, err := q.Drain(ctx)
	return len(list), err
}

// ReplaceWith overwrites the queue with entries.
func (q *Queue) ReplaceWith(ctx context.Context, entries []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = clone(entries)
	raw, err := encode(entries)
	if err != nil {
		return err
	}
	err = q.store.Set(ctx, store.KeySubmissionQueue, raw)
	q.markAhead(store.KeySubmissionQueue, err != nil)
	return err
}

// Settle commits the outcome of a sync pass. Every entry in attempted is
// removed unless it appears in retained, in which case the retained version
// replaces it in place. Entries enqueued while the pass ran are kept.
func (q *Queue) Settle(ctx context.Context, attempted, retained []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tried := make(map[string]bool, len(attempted))
	for _, e := range attempted {
		tried[e.ID] = true
	}
	keep := make(map[string]Entry, len(retained))
	for _, e := range retained {
		keep[e.ID] = e
	}
	return q.mutate(ctx, store.KeySubmissionQueue, &q.entries, func(list []Entry) []Entry {
		out := make([]Entry, 0, len(list))
		for _, e := range list {
			if !tried[e.ID] {
				out = append(out, e)
				continue
			}
			if r, ok := keep[e.ID]; ok {
				out = append(out, r)
			}
		}
		return out
	})
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	err := q.store.Remove(ctx, store.KeySubmissionQueue)
	q.markAhead(store.KeySubmissionQueue, err != nil)
	return err
}

// DeadLetter appends entries to the dead-letter list. Dead letters are never
// retried automatically.
func (q *Queue) DeadLetter(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mutate(ctx, store.KeyDeadLetters, &q.dead, func(list []Entry) []Entry {
		return append(list, entries...)
	})
}

// DeadLetters returns the dead-letter list.
func (q *Queue) DeadLetters(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(ctx, store.KeyDeadLetters, &q.dead)
}

// ClearDeadLetters empties the dead-letter list.
func (q *Queue) ClearDeadLetters(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = nil
	err := q.store.Remove(ctx, store.KeyDeadLetters)
	q.markAhead(store.KeyDeadLetters, err != nil)
	return err
}

// Requeue moves every dead letter back to the end of the queue with its
// attempt count reset. It returns the number of entries moved.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead, err := q.read(ctx, store.KeyDeadLetters, &q.dead)
	if err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}
	for i := range dead {
		dead[i].Attempts = 0
		dead[i].LastError = ""
	}
	if err := q.mutate(ctx, store.KeySubmissionQueue, &q.entries, func(list []Entry) []Entry {
		return append(list, dead...)
	}); err != nil {
		return 0, err
	}
	q.dead = nil
	err = q.store.Remove(ctx, store.KeyDeadLetters)
	q.markAhead(store.KeyDeadLetters, err != nil)
	return len(dead), err
}
