package api

import (
	"time"

	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/todo"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// DetailResponse is the body of operations that only report success.
type DetailResponse struct {
	Detail string `json:"detail"`
}

// LoginRequest is the JSON form of POST /user/login. Form-encoded bodies
// with the same field names are accepted too.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DirectLoginResponse is returned when a login yields an access token.
type DirectLoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	LoginType   string `json:"login_type"`
}

// TwoFactorChallengeResponse is returned with 401 when a code is required.
type TwoFactorChallengeResponse struct {
	LoginType string `json:"login_type"`
}

// TwoFactorLoginRequest is the JSON body for POST /auth/tfa/login.
type TwoFactorLoginRequest struct {
	Code string `json:"tfa_code" validate:"required"`
}

// CodeExpiryResponse is returned from GET /auth/tfa/exp.
type CodeExpiryResponse struct {
	Key string `json:"key"`
	Exp int64  `json:"exp"`
}

// SignupRequest is the JSON body for POST /user/create.
type SignupRequest struct {
	Username string `json:"visibility_name" validate:"required,min=3,visname"`
	Email    string `json:"email" validate:"required,loosemail"`
	Password string `json:"password" validate:"required,min=6"`
}

// UpdateUserRequest is the JSON body for PATCH /user/update. Absent fields
// are left unchanged.
type UpdateUserRequest struct {
	Username         *string `json:"visibility_name" validate:"omitempty,min=3,visname"`
	Email            *string `json:"email" validate:"omitempty,loosemail"`
	Password         *string `json:"password" validate:"omitempty,min=6"`
	TwoFactorEnabled *bool   `json:"two_factor_auth"`
}

// UserResponse is a profile without its password hash.
type UserResponse struct {
	ID               int64     `json:"id"`
	Username         string    `json:"visibility_name"`
	Email            string    `json:"email"`
	Approved         bool      `json:"user_approved"`
	TwoFactorEnabled bool      `json:"two_factor_auth"`
	CreatedAt        time.Time `json:"date_created"`
	UpdatedAt        time.Time `json:"date_modified"`
}

func userResponse(u *storage.User) UserResponse {
	return UserResponse{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		Approved:         u.Approved,
		TwoFactorEnabled: u.TwoFactorEnabled,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

// TitleRequest is the JSON body for creating or renaming a status or
// priority.
type TitleRequest struct {
	Title string `json:"title" validate:"required,min=1,max=30"`
}

// StatusListResponse is returned from GET /status/list.
type StatusListResponse struct {
	Count   int              `json:"count"`
	Results []storage.Status `json:"results"`
}

// PriorityListResponse is returned from GET /priority/list.
type PriorityListResponse struct {
	Count   int                `json:"count"`
	Results []storage.Priority `json:"results"`
}

// CreateTaskRequest is the JSON body for POST /task/create.
type CreateTaskRequest struct {
	Title        string  `json:"title" validate:"required,min=3"`
	Content      string  `json:"content" validate:"required,min=3"`
	StatusID     int64   `json:"status" validate:"required,gt=0"`
	PriorityID   int64   `json:"priority" validate:"required,gt=0"`
	EstimatedEnd *string `json:"estimated_end_date"`
}

// UpdateTaskRequest is the JSON body for PATCH /task/update/{id}.
type UpdateTaskRequest struct {
	Title        *string `json:"title" validate:"omitempty,min=3"`
	Content      *string `json:"content" validate:"omitempty,min=3"`
	StatusID     *int64  `json:"status" validate:"omitempty,gt=0"`
	PriorityID   *int64  `json:"priority" validate:"omitempty,gt=0"`
	EstimatedEnd *string `json:"estimated_end_date"`
}

// TaskResponse renders a task with its due date in the wire date format.
type TaskResponse struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	StatusID     int64     `json:"status"`
	PriorityID   int64     `json:"priority"`
	EstimatedEnd *string   `json:"estimated_end_date"`
	CreatedAt    time.Time `json:"date_created"`
	UpdatedAt    time.Time `json:"date_modified"`
}

func taskResponse(t *storage.Task) TaskResponse {
	resp := TaskResponse{
		ID:         t.ID,
		UserID:     t.UserID,
		Title:      t.Title,
		Content:    t.Content,
		StatusID:   t.StatusID,
		PriorityID: t.PriorityID,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
	if t.EstimatedEnd != nil {
		s := todo.FormatDate(*t.EstimatedEnd)
		resp.EstimatedEnd = &s
	}
	return resp
}

// TaskListResponse is returned from GET /task/list.
type TaskListResponse struct {
	Count   int            `json:"count"`
	Results []TaskResponse `json:"results"`
	PaginationMeta
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
