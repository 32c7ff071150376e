package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/todo"
)

// pathID parses the {id} URL parameter of a kind ("status", "task", ...).
func pathID(w http.ResponseWriter, r *http.Request, kind string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "The "+kind+" id must be numerical!")
		return 0, false
	}
	return id, true
}

func trimmedTitle(w http.ResponseWriter, title string) (string, bool) {
	title = strings.TrimSpace(title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return "", false
	}
	return title, true
}

// ListStatuses handles GET /status/list.
func (a *API) ListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.store.ListStatuses(r.Context(), currentUserID(r))
	if err != nil {
		a.writeInternalError(w, r, "listing statuses", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusListResponse{Count: len(statuses), Results: statuses})
}

// GetStatus handles GET /status/get/{id}.
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "status")
	if !ok {
		return
	}
	s, err := a.store.GetStatus(r.Context(), currentUserID(r), id)
	if err != nil {
		a.writeStoreError(w, r, err, "Status not found!")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// CreateStatus handles POST /status/create.
func (a *API) CreateStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TitleRequest](a, w, r)
	if !ok {
		return
	}
	title, ok := trimmedTitle(w, req.Title)
	if !ok {
		return
	}
	s, err := a.store.CreateStatus(r.Context(), &storage.Status{UserID: currentUserID(r), Title: title})
	if err != nil {
		a.writeStoreError(w, r, err, "Status not found!")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// UpdateStatus handles PATCH /status/update/{id}.
func (a *API) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "status")
	if !ok {
		return
	}
	req, ok := decodeJSON[TitleRequest](a, w, r)
	if !ok {
		return
	}
	title, ok := trimmedTitle(w, req.Title)
	if !ok {
		return
	}
	if err := a.store.RenameStatus(r.Context(), currentUserID(r), id, title); err != nil {
		a.writeStoreError(w, r, err, "Status not found!")
		return
	}
	writeDetail(w, http.StatusOK, "Status update successfully!")
}

// DeleteStatus handles DELETE /status/delete/{id}. Tasks in the status are
// deleted with it; the default status cannot be deleted.
func (a *API) DeleteStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "status")
	if !ok {
		return
	}
	if err := a.store.DeleteStatus(r.Context(), currentUserID(r), id); err != nil {
		a.writeStoreError(w, r, err, "Status not found!")
		return
	}
	writeDetail(w, http.StatusOK, "Status delete successfully!")
}

// ListPriorities handles GET /priority/list.
func (a *API) ListPriorities(w http.ResponseWriter, r *http.Request) {
	priorities, err := a.store.ListPriorities(r.Context(), currentUserID(r))
	if err != nil {
		a.writeInternalError(w, r, "listing priorities", err)
		return
	}
	writeJSON(w, http.StatusOK, PriorityListResponse{Count: len(priorities), Results: priorities})
}

// GetPriority handles GET /priority/get/{id}.
func (a *API) GetPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "priority")
	if !ok {
		return
	}
	p, err := a.store.GetPriority(r.Context(), currentUserID(r), id)
	if err != nil {
		a.writeStoreError(w, r, err, "Priority not found!")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreatePriority handles POST /priority/create.
func (a *API) CreatePriority(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TitleRequest](a, w, r)
	if !ok {
		return
	}
	title, ok := trimmedTitle(w, req.Title)
	if !ok {
		return
	}
	p, err := a.store.CreatePriority(r.Context(), &storage.Priority{UserID: currentUserID(r), Title: title})
	if err != nil {
		a.writeStoreError(w, r, err, "Priority not found!")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdatePriority handles PATCH /priority/update/{id}.
func (a *API) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "priority")
	if !ok {
		return
	}
	req, ok := decodeJSON[TitleRequest](a, w, r)
	if !ok {
		return
	}
	title, ok := trimmedTitle(w, req.Title)
	if !ok {
		return
	}
	if err := a.store.RenamePriority(r.Context(), currentUserID(r), id, title); err != nil {
		a.writeStoreError(w, r, err, "Priority not found!")
		return
	}
	writeDetail(w, http.StatusOK, "Priority update successfully!")
}

// DeletePriority handles DELETE /priority/delete/{id}.
func (a *API) DeletePriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "priority")
	if !ok {
		return
	}
	if err := a.store.DeletePriority(r.Context(), currentUserID(r), id); err != nil {
		a.writeStoreError(w, r, err, "Priority not found!")
		return
	}
	writeDetail(w, http.StatusOK, "Priority delete successfully!")
}

// ListTasks handles GET /task/list?limit=&offset=.
func (a *API) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.ListTasks(r.Context(), currentUserID(r))
	if err != nil {
		a.writeInternalError(w, r, "listing tasks", err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(tasks, limit, offset)
	results := make([]TaskResponse, 0, len(page))
	for i := range page {
		results = append(results, taskResponse(&page[i]))
	}
	writeJSON(w, http.StatusOK, TaskListResponse{
		Count:          len(results),
		Results:        results,
		PaginationMeta: meta,
	})
}

// GetTask handles GET /task/get/{id}.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "task")
	if !ok {
		return
	}
	t, err := a.store.GetTask(r.Context(), currentUserID(r), id)
	if err != nil {
		a.writeStoreError(w, r, err, "Task not found!")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(t))
}

// CreateTask handles POST /task/create.
func (a *API) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateTaskRequest](a, w, r)
	if !ok {
		return
	}
	end, ok := parseEstimatedEnd(w, req.EstimatedEnd)
	if !ok {
		return
	}
	uid := currentUserID(r)
	if !a.checkTaskRefs(w, r, uid, &req.StatusID, &req.PriorityID) {
		return
	}
	t, err := a.store.CreateTask(r.Context(), &storage.Task{
		UserID:       uid,
		Title:        req.Title,
		Content:      req.Content,
		StatusID:     req.StatusID,
		PriorityID:   req.PriorityID,
		EstimatedEnd: end,
	})
	if err != nil {
		a.writeStoreError(w, r, err, "Status not found!")
		return
	}
	writeJSON(w, http.StatusCreated, taskResponse(t))
}

// UpdateTask handles PATCH /task/update/{id}.
func (a *API) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "task")
	if !ok {
		return
	}
	req, ok := decodeJSON[UpdateTaskRequest](a, w, r)
	if !ok {
		return
	}
	end, ok := parseEstimatedEnd(w, req.EstimatedEnd)
	if !ok {
		return
	}
	uid := currentUserID(r)
	if !a.checkTaskRefs(w, r, uid, req.StatusID, req.PriorityID) {
		return
	}
	_, err := a.store.UpdateTask(r.Context(), uid, id, storage.TaskUpdate{
		Title:        req.Title,
		Content:      req.Content,
		StatusID:     req.StatusID,
		PriorityID:   req.PriorityID,
		EstimatedEnd: end,
	})
	if err != nil {
		a.writeStoreError(w, r, err, "Task not found!")
		return
	}
	writeDetail(w, http.StatusOK, "Task update successfully!")
}

// DeleteTask handles DELETE /task/delete/{id}.
func (a *API) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "task")
	if !ok {
		return
	}
	if err := a.store.DeleteTask(r.Context(), currentUserID(r), id); err != nil {
		a.writeStoreError(w, r, err, "Task not found!")
		return
	}
	writeDetail(w, http.StatusOK, "Task delete successfully!")
}

func parseEstimatedEnd(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	t, err := todo.ParseDate(*raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Estimated end date should be valid format!")
		return nil, false
	}
	return &t, true
}

// checkTaskRefs verifies that the referenced status and priority belong to
// the caller. Nil ids are not checked.
func (a *API) checkTaskRefs(w http.ResponseWriter, r *http.Request, uid int64, statusID, priorityID *int64) bool {
	if statusID != nil {
		if _, err := a.store.GetStatus(r.Context(), uid, *statusID); err != nil {
			a.writeRefError(w, r, err, "Status not found!")
			return false
		}
	}
	if priorityID != nil {
		if _, err := a.store.GetPriority(r.Context(), uid, *priorityID); err != nil {
			a.writeRefError(w, r, err, "Priority not found!")
			return false
		}
	}
	return true
}

func (a *API) writeRefError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, notFound)
		return
	}
	a.writeInternalError(w, r, "checking task references", err)
}
