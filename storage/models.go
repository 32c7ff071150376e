package storage

import "time"

// User is a registered account. Username is stored normalized.
type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"visibility_name"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"password_hash"`
	Approved         bool      `json:"user_approved"`
	TwoFactorEnabled bool      `json:"two_factor_auth"`
	CreatedAt        time.Time `json:"date_created"`
	UpdatedAt        time.Time `json:"date_modified"`
}

// Clone returns a copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// UserUpdate carries the fields to change. Nil fields are left untouched.
// The approved flag is deliberately absent: only ApproveUser sets it.
type UserUpdate struct {
	Username         *string
	Email            *string
	PasswordHash     *string
	TwoFactorEnabled *bool
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.Username == nil && u.Email == nil && u.PasswordHash == nil && u.TwoFactorEnabled == nil
}

// ApplyTo copies the set fields onto dst.
func (u UserUpdate) ApplyTo(dst *User) {
	if u.Username != nil {
		dst.Username = *u.Username
	}
	if u.Email != nil {
		dst.Email = *u.Email
	}
	if u.PasswordHash != nil {
		dst.PasswordHash = *u.PasswordHash
	}
	if u.TwoFactorEnabled != nil {
		dst.TwoFactorEnabled = *u.TwoFactorEnabled
	}
}

// Status is a task state. Each user has exactly one default status, the
// "finished" state used by overdue reminders.
type Status struct {
	ID      int64  `json:"id"`
	UserID  int64  `json:"user_id"`
	Title   string `json:"title"`
	Default bool   `json:"default_status"`
}

// Priority is a task importance level.
type Priority struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Title  string `json:"title"`
}

// Task is a unit of work owned by a user.
type Task struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	StatusID     int64      `json:"status"`
	PriorityID   int64      `json:"priority"`
	EstimatedEnd *time.Time `json:"estimated_end_date"`
	CreatedAt    time.Time  `json:"date_created"`
	UpdatedAt    time.Time  `json:"date_modified"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.EstimatedEnd != nil {
		end := *t.EstimatedEnd
		c.EstimatedEnd = &end
	}
	return &c
}

// TaskUpdate carries the fields to change. Nil fields are left untouched.
type TaskUpdate struct {
	Title        *string
	Content      *string
	StatusID     *int64
	PriorityID   *int64
	EstimatedEnd *time.Time
}

// ApplyTo copies the set fields onto dst.
func (u TaskUpdate) ApplyTo(dst *Task) {
	if u.Title != nil {
		dst.Title = *u.Title
	}
	if u.Content != nil {
		dst.Content = *u.Content
	}
	if u.StatusID != nil {
		dst.StatusID = *u.StatusID
	}
	if u.PriorityID != nil {
		dst.PriorityID = *u.PriorityID
	}
	if u.EstimatedEnd != nil {
		end := *u.EstimatedEnd
		dst.EstimatedEnd = &end
	}
}
