// Package todo holds task rules shared by the HTTP layer and background
// jobs: the due-date wire format and the overdue reminder.
package todo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/taskward/notify"
	"github.com/jmcleod/taskward/storage"
)

// DateLayout is the wire format of estimated end dates.
const DateLayout = "2006-01-02 15:04:05"

// DefaultReminderInterval is how often overdue tasks are swept.
const DefaultReminderInterval = 12 * time.Hour

// ParseDate parses s in DateLayout as UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must look like %q: %w", DateLayout, err)
	}
	return t, nil
}

// FormatDate renders t in DateLayout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Store is the subset of storage.Repository the reminder reads.
type Store interface {
	GetUser(ctx context.Context, id int64) (*storage.User, error)
	GetTask(ctx context.Context, userID, id int64) (*storage.Task, error)
	GetStatus(ctx context.Context, userID, id int64) (*storage.Status, error)
	ListOverdueTasks(ctx context.Context, before time.Time) ([]storage.Task, error)
}

// Reminder periodically notifies owners of unfinished overdue tasks. A task
// is finished when its status is the owner's default status.
type Reminder struct {
	store    Store
	sink     notify.Sink
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// ReminderOption configures a Reminder.
type ReminderOption func(*Reminder)

func WithInterval(d time.Duration) ReminderOption {
	return func(r *Reminder) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithClock(now func() time.Time) ReminderOption {
	return func(r *Reminder) { r.now = now }
}

func WithLogger(l *slog.Logger) ReminderOption {
	return func(r *Reminder) { r.logger = l }
}

// NewReminder returns a Reminder. Call Run to start it.
func NewReminder(store Store, sink notify.Sink, opts ...ReminderOption) *Reminder {
	r := &Reminder{
		store:    store,
		sink:     sink,
		interval: DefaultReminderInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reminder")
	return r
}

// Run sweeps once per interval until ctx is done.
func (r *Reminder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("overdue sweep failed", "error", err)
				continue
			}
			r.logger.Info("overdue sweep finished", "enqueued", n)
		}
	}
}

// Sweep enqueues one notification per unfinished overdue task and returns
// how many were enqueued.
func (r *Reminder) Sweep(ctx context.Context) (int, error) {
	tasks, err := r.store.ListOverdueTasks(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("listing overdue tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		finished, err := r.finished(ctx, &t)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return n, err
		}
		if finished {
			continue
		}
		if err := r.sink.Enqueue(ctx, notify.Message{
			Kind:      notify.KindTaskOverdue,
			UserID:    t.UserID,
			TaskID:    t.ID,
			TaskTitle: t.Title,
			DueDate:   FormatDate(*t.EstimatedEnd),
		}); err != nil {
			return n, fmt.Errorf("enqueueing reminder for task %d: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func (r *Reminder) finished(ctx context.Context, t *storage.Task) (bool, error) {
	st, err := r.store.GetStatus(ctx, t.UserID, t.StatusID)
	if err != nil {
		return false, err
	}
	return st.Default, nil
}

// Check is a notify.Check for KindTaskOverdue. It reloads the owner and the
// task at delivery time and ignores jobs whose owner or task is gone or
// whose task has since been finished.
func (r *Reminder) Check(ctx context.Context, m notify.Message) (notify.Message, error) {
	u, err := r.store.GetUser(ctx, m.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return m, notify.Ignore("task owner no longer exists")
	}
	if err != nil {
		return m, err
	}
	t, err := r.store.GetTask(ctx, m.UserID, m.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return m, notify.Ignore("task no longer exists")
	}
	if err != nil {
		return m, err
	}
	finished, err := r.finished(ctx, t)
	if errors.Is(err, storage.ErrNotFound) {
		return m, notify.Ignore("task status no longer exists")
	}
	if err != nil {
		return m, err
	}
	if finished {
		return m, notify.Ignore("task already finished")
	}

	m.To = u.Email
	m.Username = u.Username
	m.TaskTitle = t.Title
	if t.EstimatedEnd != nil {
		m.DueDate = FormatDate(*t.EstimatedEnd)
	}
	return m, nil
}
