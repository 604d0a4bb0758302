package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/dispatch/internal/dispatch"
	"github.com/me/dispatch/pkg/model"
)

// handleSubmitTask queues a new task.
// POST /api/v1/tasks
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req dispatch.SubmitRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	task, err := s.service.Submit(r.Context(), req)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, task)
}

// handleListTasks returns a page of tasks.
// GET /api/v1/tasks?account_id=&status=&limit=&offset=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	opts := model.DefaultListOptions()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query parameter",
					model.FieldError{Field: "limit", Message: "must be an integer"}))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query parameter",
					model.FieldError{Field: "offset", Message: "must be an integer"}))
			return
		}
		opts.Offset = n
	}
	opts.AccountID = q.Get("account_id")
	opts.Status = model.TaskStatus(q.Get("status"))
	opts.Clamp()

	tasks, total, err := s.service.List(r.Context(), opts)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	respondList(w, reqID, tasks, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(tasks) < total,
	})
}

// handleGetTask returns one task.
// GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

// handleExplainTask lists, per criterion, the agents that can take the task.
// GET /api/v1/tasks/{id}/eligibility
func (s *Server) handleExplainTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	exp, err := s.service.Explain(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{
		"task_id":  id,
		"criteria": exp.Criteria,
		"unmet":    exp.Unmet,
		"reason":   exp.Reason(),
	})
}

// handleAbortTask marks a task aborted; the expiry scanner ends it.
// PUT /api/v1/tasks/{id}/abort
func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.service.Abort(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": task.ID, "status": task.Status})
}
