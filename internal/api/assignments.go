package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/serverdb"
)

// submitResponse is the body of a successful PUT /assignments/{id}/work.
type submitResponse struct {
	AssignmentID int64  `json:"assignmentId"`
	Status       string `json:"status"`
	Duplicate    bool   `json:"duplicate"`
}

// assignmentIDParam parses the {id} path parameter.
func assignmentIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid assignment id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// handleListAssignments handles GET /assignments. The workerId query
// parameter is optional and must match the token.
func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	worker := workerFromContext(r.Context())
	if q := r.URL.Query().Get("workerId"); q != "" {
		id, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid workerId")
			return
		}
		if id != worker {
			writeError(w, r, http.StatusForbidden, ErrCodeForbidden, "token does not belong to worker "+q)
			return
		}
	}

	list, err := s.store.ListAssignments(r.Context(), worker)
	if err != nil {
		logFor(r.Context()).Error("list assignments", "err", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to list assignments")
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// handleGetAssignment handles GET /assignments/{id}. Assignments of other
// workers are reported as missing.
func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := assignmentIDParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	a, owner, err := s.store.GetAssignment(r.Context(), id)
	if err != nil {
		logFor(r.Context()).Error("get assignment", "id", id, "err", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to get assignment")
		return
	}
	if a == nil || owner != workerFromContext(r.Context()) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "assignment not found")
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// handleSubmitWork handles PUT /assignments/{id}/work. Submitting the same
// assignment again replaces the stored responses and answers 200.
func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := assignmentIDParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	var p models.SubmissionPayload
	if err := render.DecodeJSON(r.Body, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if p.AssignmentID != id {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			fmt.Sprintf("body is for assignment %d, not %d", p.AssignmentID, id))
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	_, owner, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		logFor(ctx).Error("get assignment", "id", id, "err", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to get assignment")
		return
	}
	if owner != workerFromContext(ctx) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "assignment not found")
		return
	}

	first, err := s.store.RecordSubmission(ctx, p)
	switch {
	case errors.Is(err, serverdb.ErrNotFound):
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "assignment not found")
		return
	case errors.Is(err, serverdb.ErrUnknownField):
		writeError(w, r, http.StatusBadRequest, ErrCodeUnknownField, err.Error())
		return
	case err != nil:
		logFor(ctx).Error("record submission", "id", id, "err", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to record submission")
		return
	}

	s.metrics.RecordSubmission(first)
	logFor(ctx).Info("submission received", "assignment", id, "device", p.DeviceID, "fields", p.FieldCount(), "duplicate", !first)
	writeJSON(w, r, http.StatusOK, submitResponse{AssignmentID: id, Status: "completed", Duplicate: !first})
}
