package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/models"
)

// Submission is the latest recorded work for an assignment.
type Submission struct {
	AssignmentID int64
	DeviceID     int64
	Payload      models.SubmissionPayload
	// Received counts how many times the work was sent.
	Received int
	FirstAt  time.Time
	LastAt   time.Time
}

// RecordSubmission stores the work for an assignment, replacing any earlier
// copy, copies each response onto the assignment's fields and marks the
// assignment completed. It reports whether this was the first submission.
// ErrUnknownField is returned when the payload names a field the assignment
// does not have.
func (db *ServerDB) RecordSubmission(ctx context.Context, p models.SubmissionPayload) (first bool, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	a, _, err := scanAssignment(tx.QueryRowContext(ctx,
		`SELECT id, worker_id, name, type, status, tasks FROM assignments WHERE id = ?`, p.AssignmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load assignment %d: %w", p.AssignmentID, err)
	}
	if err := applyResponses(a, p); err != nil {
		return false, err
	}

	tasks, err := json.Marshal(a.Tasks)
	if err != nil {
		return false, fmt.Errorf("encode tasks: %w", err)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET status = ?, tasks = ?, updated_at = ? WHERE id = ?`,
		int(models.StatusCompleted), string(tasks), now, a.ID,
	); err != nil {
		return false, fmt.Errorf("complete assignment %d: %w", a.ID, err)
	}

	var received int
	err = tx.QueryRowContext(ctx, `SELECT received FROM submissions WHERE assignment_id = ?`, a.ID).Scan(&received)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		first = true
	case err != nil:
		return false, fmt.Errorf("read submission %d: %w", a.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (assignment_id, device_id, payload, received, first_at, last_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(assignment_id) DO UPDATE SET
		   device_id = excluded.device_id,
		   payload = excluded.payload,
		   received = submissions.received + 1,
		   last_at = excluded.last_at`,
		a.ID, p.DeviceID, string(payload), now, now,
	); err != nil {
		return false, fmt.Errorf("record submission %d: %w", a.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return first, nil
}

// applyResponses writes the submitted responses onto the matching fields.
func applyResponses(a *models.Assignment, p models.SubmissionPayload) error {
	index := make(map[models.FieldID]*models.Field)
	for ti := range a.Tasks {
		for fi := range a.Tasks[ti].Fields {
			f := &a.Tasks[ti].Fields[fi]
			index[f.FieldID] = f
		}
	}
	for _, t := range p.Tasks {
		for _, sf := range t.Fields {
			f, ok := index[sf.FieldID]
			if !ok {
				return fmt.Errorf("%w: %d", ErrUnknownField, sf.FieldID)
			}
			if f.InputType.IsInput() {
				f.Response = sf.Response
			}
		}
	}
	return nil
}

// GetSubmission returns the recorded work for an assignment, or nil.
func (db *ServerDB) GetSubmission(ctx context.Context, assignmentID int64) (*Submission, error) {
	s := &Submission{}
	var payload string
	err := db.conn.QueryRowContext(ctx,
		`SELECT assignment_id, device_id, payload, received, first_at, last_at
		 FROM submissions WHERE assignment_id = ?`, assignmentID,
	).Scan(&s.AssignmentID, &s.DeviceID, &payload, &s.Received, &s.FirstAt, &s.LastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %d: %w", assignmentID, err)
	}
	if err := json.Unmarshal([]byte(payload), &s.Payload); err != nil {
		return nil, fmt.Errorf("decode submission %d: %w", assignmentID, err)
	}
	return s, nil
}

// CountSubmissions returns the number of assignments with recorded work.
func (db *ServerDB) CountSubmissions(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&n)
	return n, err
}
