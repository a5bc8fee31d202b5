// Package store provides the durable key/value persistence used by the
// response cache, submission queue and connectivity state.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Store is a string key/value store that survives process restarts.
// A missing key is reported as ok=false with a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	RemoveMultiple(ctx context.Context, keys []string) error
}

// Updater is implemented by stores that can read-modify-write a single key
// atomically. fn receives the current value (ok=false when absent) and
// returns the value to write.
type Updater interface {
	Update(ctx context.Context, key string, fn func(old string, ok bool) (string, error)) error
}

// Well-known keys shared by the client packages.
const (
	KeySubmissionQueue      = "submissionQueue"
	KeyDeadLetters          = "submissionQueue:deadLetter"
	KeyConnectivityState    = "connectivityState"
	KeyAssignmentsCache     = "assignments:cache"
	KeyAssignmentsUpdatedAt = "assignments:lastUpdated"
	KeyAuthToken            = "auth:token"
)

// ResponsesKey returns the key holding the persisted responses of an assignment.
func ResponsesKey(assignmentID int64) string {
	return fmt.Sprintf("responses:%d", assignmentID)
}

// ResponsesUpdatedAtKey returns the key holding the last persist time of an
// assignment's responses.
func ResponsesUpdatedAtKey(assignmentID int64) string {
	return ResponsesKey(assignmentID) + ":updatedAt"
}

// ErrUnavailable is returned by stores that cannot be reached at all.
var ErrUnavailable = errors.New("storage unavailable")

// StorageError reports a failed durable-store operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CorruptError reports a persisted value that could not be decoded.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt persisted state %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Update performs a read-modify-write of key. It uses s's atomic Update when
// available and falls back to Get followed by Set otherwise.
func Update(ctx context.Context, s Store, key string, fn func(old string, ok bool) (string, error)) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, key, fn)
	}
	old, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	val, err := fn(old, found)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, val)
}
