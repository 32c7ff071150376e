// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/taskward/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu         sync.RWMutex
	nextID     int64
	users      map[int64]*storage.User
	statuses   map[int64]*storage.Status
	priorities map[int64]*storage.Priority
	tasks      map[int64]*storage.Task
	now        func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		users:      make(map[int64]*storage.User),
		statuses:   make(map[int64]*storage.Status),
		priorities: make(map[int64]*storage.Priority),
		tasks:      make(map[int64]*storage.Task),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) Close() error { return nil }

func (r *Repository) id() int64 {
	r.nextID++
	return r.nextID
}

// userConflict reports a unique-field clash with any user other than self.
func (r *Repository) userConflict(self int64, username, email string) error {
	for _, u := range r.users {
		if u.ID == self {
			continue
		}
		if u.Username == username {
			return &storage.ConflictError{Field: storage.FieldUsername}
		}
		if u.Email == email {
			return &storage.ConflictError{Field: storage.FieldEmail}
		}
	}
	return nil
}

func (r *Repository) CreateAccount(_ context.Context, u *storage.User, defaults storage.AccountDefaults) (*storage.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.userConflict(0, u.Username, u.Email); err != nil {
		return nil, err
	}
	now := r.now()
	created := u.Clone()
	created.ID = r.id()
	created.CreatedAt = now
	created.UpdatedAt = now
	r.users[created.ID] = created

	st := &storage.Status{ID: r.id(), UserID: created.ID, Title: defaults.StatusTitle, Default: true}
	r.statuses[st.ID] = st
	pr := &storage.Priority{ID: r.id(), UserID: created.ID, Title: defaults.PriorityTitle}
	r.priorities[pr.ID] = pr

	return created.Clone(), nil
}

func (r *Repository) GetUser(_ context.Context, id int64) (*storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return u.Clone(), nil
}

func (r *Repository) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
}

func (r *Repository) UpdateUser(_ context.Context, id int64, upd storage.UserUpdate) (*storage.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	next := u.Clone()
	upd.ApplyTo(next)
	if err := r.userConflict(id, next.Username, next.Email); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now()
	r.users[id] = next
	return next.Clone(), nil
}

func (r *Repository) ApproveUser(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	u.Approved = true
	u.UpdatedAt = r.now()
	return nil
}

func (r *Repository) DeleteUser(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	delete(r.users, id)
	for k, s := range r.statuses {
		if s.UserID == id {
			delete(r.statuses, k)
		}
	}
	for k, p := range r.priorities {
		if p.UserID == id {
			delete(r.priorities, k)
		}
	}
	for k, t := range r.tasks {
		if t.UserID == id {
			delete(r.tasks, k)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Statuses
// ---------------------------------------------------------------------------

func (r *Repository) statusTitleTaken(userID, self int64, title string) bool {
	for _, s := range r.statuses {
		if s.UserID == userID && s.ID != self && s.Title == title {
			return true
		}
	}
	return false
}

func (r *Repository) CreateStatus(_ context.Context, s *storage.Status) (*storage.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[s.UserID]; !ok {
		return nil, fmt.Errorf("user %d: %w", s.UserID, storage.ErrNotFound)
	}
	if r.statusTitleTaken(s.UserID, 0, s.Title) {
		return nil, &storage.ConflictError{Field: storage.FieldTitle}
	}
	created := *s
	created.ID = r.id()
	r.statuses[created.ID] = &created
	out := created
	return &out, nil
}

func (r *Repository) GetStatus(_ context.Context, userID, id int64) (*storage.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[id]
	if !ok || s.UserID != userID {
		return nil, fmt.Errorf("status %d: %w", id, storage.ErrNotFound)
	}
	out := *s
	return &out, nil
}

func (r *Repository) ListStatuses(_ context.Context, userID int64) ([]storage.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []storage.Status{}
	for _, s := range r.statuses {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) RenameStatus(_ context.Context, userID, id int64, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[id]
	if !ok || s.UserID != userID {
		return fmt.Errorf("status %d: %w", id, storage.ErrNotFound)
	}
	if r.statusTitleTaken(userID, id, title) {
		return &storage.ConflictError{Field: storage.FieldTitle}
	}
	s.Title = title
	return nil
}

func (r *Repository) DeleteStatus(_ context.Context, userID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[id]
	if !ok || s.UserID != userID {
		return fmt.Errorf("status %d: %w", id, storage.ErrNotFound)
	}
	if s.Default {
		return storage.ErrDefaultStatus
	}
	delete(r.statuses, id)
	for k, t := range r.tasks {
		if t.StatusID == id {
			delete(r.tasks, k)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Priorities
// ---------------------------------------------------------------------------

func (r *Repository) priorityTitleTaken(userID, self int64, title string) bool {
	for _, p := range r.priorities {
		if p.UserID == userID && p.ID != self && p.Title == title {
			return true
		}
	}
	return false
}

func (r *Repository) CreatePriority(_ context.Context, p *storage.Priority) (*storage.Priority, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[p.UserID]; !ok {
		return nil, fmt.Errorf("user %d: %w", p.UserID, storage.ErrNotFound)
	}
	if r.priorityTitleTaken(p.UserID, 0, p.Title) {
		return nil, &storage.ConflictError{Field: storage.FieldTitle}
	}
	created := *p
	created.ID = r.id()
	r.priorities[created.ID] = &created
	out := created
	return &out, nil
}

func (r *Repository) GetPriority(_ context.Context, userID, id int64) (*storage.Priority, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.priorities[id]
	if !ok || p.UserID != userID {
		return nil, fmt.Errorf("priority %d: %w", id, storage.ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (r *Repository) ListPriorities(_ context.Context, userID int64) ([]storage.Priority, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []storage.Priority{}
	for _, p := range r.priorities {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) RenamePriority(_ context.Context, userID, id int64, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.priorities[id]
	if !ok || p.UserID != userID {
		return fmt.Errorf("priority %d: %w", id, storage.ErrNotFound)
	}
	if r.priorityTitleTaken(userID, id, title) {
		return &storage.ConflictError{Field: storage.FieldTitle}
	}
	p.Title = title
	return nil
}

func (r *Repository) DeletePriority(_ context.Context, userID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.priorities[id]
	if !ok || p.UserID != userID {
		return fmt.Errorf("priority %d: %w", id, storage.ErrNotFound)
	}
	delete(r.priorities, id)
	for k, t := range r.tasks {
		if t.PriorityID == id {
			delete(r.tasks, k)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// checkRefs verifies the status and priority exist and belong to userID.
func (r *Repository) checkRefs(userID, statusID, priorityID int64) error {
	if s, ok := r.statuses[statusID]; !ok || s.UserID != userID {
		return fmt.Errorf("status %d: %w", statusID, storage.ErrNotFound)
	}
	if p, ok := r.priorities[priorityID]; !ok || p.UserID != userID {
		return fmt.Errorf("priority %d: %w", priorityID, storage.ErrNotFound)
	}
	return nil
}

func (r *Repository) CreateTask(_ context.Context, t *storage.Task) (*storage.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRefs(t.UserID, t.StatusID, t.PriorityID); err != nil {
		return nil, err
	}
	now := r.now()
	created := t.Clone()
	created.ID = r.id()
	created.CreatedAt = now
	created.UpdatedAt = now
	r.tasks[created.ID] = created
	return created.Clone(), nil
}

func (r *Repository) GetTask(_ context.Context, userID, id int64) (*storage.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok || t.UserID != userID {
		return nil, fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	return t.Clone(), nil
}

func (r *Repository) ListTasks(_ context.Context, userID int64) ([]storage.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []storage.Task{}
	for _, t := range r.tasks {
		if t.UserID == userID {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) UpdateTask(_ context.Context, userID, id int64, upd storage.TaskUpdate) (*storage.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.UserID != userID {
		return nil, fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	next := t.Clone()
	upd.ApplyTo(next)
	if err := r.checkRefs(userID, next.StatusID, next.PriorityID); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now()
	r.tasks[id] = next
	return next.Clone(), nil
}

func (r *Repository) DeleteTask(_ context.Context, userID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.UserID != userID {
		return fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	delete(r.tasks, id)
	return nil
}

func (r *Repository) ListOverdueTasks(_ context.Context, before time.Time) ([]storage.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []storage.Task
	for _, t := range r.tasks {
		if t.EstimatedEnd != nil && !t.EstimatedEnd.After(before) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
