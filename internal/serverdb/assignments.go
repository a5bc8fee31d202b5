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

// UpsertAssignment creates or replaces an assignment owned by workerID.
func (db *ServerDB) UpsertAssignment(ctx context.Context, workerID int64, a models.Assignment) error {
	if a.ID <= 0 {
		return fmt.Errorf("assignment id must be positive, got %d", a.ID)
	}
	tasks, err := json.Marshal(a.Tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO assignments (id, worker_id, name, type, status, tasks, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   worker_id = excluded.worker_id,
		   name = excluded.name,
		   type = excluded.type,
		   status = excluded.status,
		   tasks = excluded.tasks,
		   updated_at = excluded.updated_at`,
		a.ID, workerID, a.Name, int(a.Type), int(a.Status), string(tasks), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert assignment %d: %w", a.ID, err)
	}
	return nil
}

// GetAssignment returns the assignment and its owner, or nil if it does not
// exist.
func (db *ServerDB) GetAssignment(ctx context.Context, id int64) (*models.Assignment, int64, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, worker_id, name, type, status, tasks FROM assignments WHERE id = ?`, id)
	a, workerID, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get assignment %d: %w", id, err)
	}
	return a, workerID, nil
}

// ListAssignments returns the assignments of a worker ordered by id.
func (db *ServerDB) ListAssignments(ctx context.Context, workerID int64) ([]models.Assignment, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, worker_id, name, type, status, tasks FROM assignments WHERE worker_id = ? ORDER BY id`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	out := []models.Assignment{}
	for rows.Next() {
		a, _, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CountAssignments returns the number of stored assignments.
func (db *ServerDB) CountAssignments(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssignment(s scanner) (*models.Assignment, int64, error) {
	var (
		a        models.Assignment
		workerID int64
		typ      int
		status   int
		tasks    string
	)
	if err := s.Scan(&a.ID, &workerID, &a.Name, &typ, &status, &tasks); err != nil {
		return nil, 0, err
	}
	a.Type = models.AssignmentType(typ)
	a.Status = models.AssignmentStatus(status)
	if err := json.Unmarshal([]byte(tasks), &a.Tasks); err != nil {
		return nil, 0, fmt.Errorf("decode tasks of assignment %d: %w", a.ID, err)
	}
	return &a, workerID, nil
}
