// Package storage provides the relational storage abstraction for user
// accounts and their statuses, priorities and tasks.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist or is not owned
	// by the requesting user.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique field is already taken.
	ErrConflict = errors.New("unique constraint violated")
	// ErrDefaultStatus is returned when deleting a user's default status.
	ErrDefaultStatus = errors.New("default status cannot be deleted")
)

// ConflictError names the unique field that caused an ErrConflict.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return e.Field + ": " + ErrConflict.Error()
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Conflict field names reported in ConflictError.
const (
	FieldUsername = "visibility_name"
	FieldEmail    = "email"
	FieldTitle    = "title"
)

// AccountDefaults are the records seeded for every new account.
type AccountDefaults struct {
	StatusTitle   string
	PriorityTitle string
}

// DefaultAccountDefaults seeds a "Done" default status and a "High" priority.
var DefaultAccountDefaults = AccountDefaults{
	StatusTitle:   "Done",
	PriorityTitle: "High",
}

// Users stores account records.
type Users interface {
	// CreateAccount inserts u together with its default status and priority
	// in one transaction. ID and timestamps are assigned by the store.
	CreateAccount(ctx context.Context, u *User, defaults AccountDefaults) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	// GetUserByUsername looks up by the exact stored username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error)
	// ApproveUser sets the approved flag. Approving twice is not an error.
	ApproveUser(ctx context.Context, id int64) error
	// DeleteUser removes the user and every status, priority and task it owns.
	DeleteUser(ctx context.Context, id int64) error
}

// Statuses stores per-user task statuses.
type Statuses interface {
	CreateStatus(ctx context.Context, s *Status) (*Status, error)
	GetStatus(ctx context.Context, userID, id int64) (*Status, error)
	ListStatuses(ctx context.Context, userID int64) ([]Status, error)
	RenameStatus(ctx context.Context, userID, id int64, title string) error
	// DeleteStatus removes the status and the tasks that reference it.
	DeleteStatus(ctx context.Context, userID, id int64) error
}

// Priorities stores per-user task priorities.
type Priorities interface {
	CreatePriority(ctx context.Context, p *Priority) (*Priority, error)
	GetPriority(ctx context.Context, userID, id int64) (*Priority, error)
	ListPriorities(ctx context.Context, userID int64) ([]Priority, error)
	RenamePriority(ctx context.Context, userID, id int64, title string) error
	// DeletePriority removes the priority and the tasks that reference it.
	DeletePriority(ctx context.Context, userID, id int64) error
}

// Tasks stores per-user tasks.
type Tasks interface {
	CreateTask(ctx context.Context, t *Task) (*Task, error)
	GetTask(ctx context.Context, userID, id int64) (*Task, error)
	// ListTasks returns the user's tasks ordered by ID.
	ListTasks(ctx context.Context, userID int64) ([]Task, error)
	UpdateTask(ctx context.Context, userID, id int64, upd TaskUpdate) (*Task, error)
	DeleteTask(ctx context.Context, userID, id int64) error
	// ListOverdueTasks returns every task whose estimated end is at or
	// before the given time, across all users.
	ListOverdueTasks(ctx context.Context, before time.Time) ([]Task, error)
}

// Repository is the full relational store.
type Repository interface {
	Users
	Statuses
	Priorities
	Tasks
	Close() error
}
