// Package storagetest holds the behavioural suite every storage.Repository
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/taskward/storage"
)

func newUser(name string) *storage.User {
	return &storage.User{
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
	}
}

func ptr[T any](v T) *T { return &v }

// Run exercises repo. It creates users with unique names per subtest so a
// shared database can be reused, but callers should hand in an empty store.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAccountSeedsDefaults", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("seeded"), storage.DefaultAccountDefaults)
		require.NoError(t, err)
		assert.NotZero(t, u.ID)
		assert.False(t, u.Approved)
		assert.False(t, u.CreatedAt.IsZero())

		statuses, err := repo.ListStatuses(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, "Done", statuses[0].Title)
		assert.True(t, statuses[0].Default)

		priorities, err := repo.ListPriorities(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, priorities, 1)
		assert.Equal(t, "High", priorities[0].Title)
	})

	t.Run("UniqueUsernameAndEmail", func(t *testing.T) {
		_, err := repo.CreateAccount(ctx, newUser("unique"), storage.DefaultAccountDefaults)
		require.NoError(t, err)

		_, err = repo.CreateAccount(ctx, newUser("unique"), storage.DefaultAccountDefaults)
		require.ErrorIs(t, err, storage.ErrConflict)

		dup := newUser("unique2")
		dup.Email = "unique@example.com"
		_, err = repo.CreateAccount(ctx, dup, storage.DefaultAccountDefaults)
		var ce *storage.ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, storage.FieldEmail, ce.Field)
	})

	t.Run("GetUser", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("lookup"), storage.DefaultAccountDefaults)
		require.NoError(t, err)

		got, err := repo.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "lookup", got.Username)
		assert.Equal(t, u.PasswordHash, got.PasswordHash)

		got, err = repo.GetUserByUsername(ctx, "lookup")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)

		_, err = repo.GetUser(ctx, u.ID+100000)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetUserByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateAndApprove", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("updater"), storage.DefaultAccountDefaults)
		require.NoError(t, err)
		_, err = repo.CreateAccount(ctx, newUser("taken"), storage.DefaultAccountDefaults)
		require.NoError(t, err)

		got, err := repo.UpdateUser(ctx, u.ID, storage.UserUpdate{
			Email:            ptr("fresh@example.com"),
			TwoFactorEnabled: ptr(true),
		})
		require.NoError(t, err)
		assert.Equal(t, "fresh@example.com", got.Email)
		assert.True(t, got.TwoFactorEnabled)
		assert.Equal(t, "updater", got.Username)

		_, err = repo.UpdateUser(ctx, u.ID, storage.UserUpdate{Username: ptr("taken")})
		assert.ErrorIs(t, err, storage.ErrConflict)

		require.NoError(t, repo.ApproveUser(ctx, u.ID))
		require.NoError(t, repo.ApproveUser(ctx, u.ID))
		got, err = repo.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, got.Approved)

		_, err = repo.UpdateUser(ctx, u.ID+100000, storage.UserUpdate{Email: ptr("x@y.z")})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.ApproveUser(ctx, u.ID+100000), storage.ErrNotFound)
	})

	t.Run("StatusLifecycle", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("statuser"), storage.DefaultAccountDefaults)
		require.NoError(t, err)
		other, err := repo.CreateAccount(ctx, newUser("statuser2"), storage.DefaultAccountDefaults)
		require.NoError(t, err)

		s, err := repo.CreateStatus(ctx, &storage.Status{UserID: u.ID, Title: "Doing"})
		require.NoError(t, err)
		assert.False(t, s.Default)

		_, err = repo.CreateStatus(ctx, &storage.Status{UserID: u.ID, Title: "Doing"})
		assert.ErrorIs(t, err, storage.ErrConflict)
		_, err = repo.CreateStatus(ctx, &storage.Status{UserID: other.ID, Title: "Doing"})
		assert.NoError(t, err, "titles are unique per user")

		_, err = repo.GetStatus(ctx, other.ID, s.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.RenameStatus(ctx, u.ID, s.ID, "In progress"))
		got, err := repo.GetStatus(ctx, u.ID, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "In progress", got.Title)
		assert.ErrorIs(t, repo.RenameStatus(ctx, u.ID, s.ID, "Done"), storage.ErrConflict)

		list, err := repo.ListStatuses(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Less(t, list[0].ID, list[1].ID)

		var def storage.Status
		for _, st := range list {
			if st.Default {
				def = st
			}
		}
		assert.ErrorIs(t, repo.DeleteStatus(ctx, u.ID, def.ID), storage.ErrDefaultStatus)
		require.NoError(t, repo.DeleteStatus(ctx, u.ID, s.ID))
		assert.ErrorIs(t, repo.DeleteStatus(ctx, u.ID, s.ID), storage.ErrNotFound)
	})

	t.Run("PriorityLifecycle", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("prioritizer"), storage.DefaultAccountDefaults)
		require.NoError(t, err)

		p, err := repo.CreatePriority(ctx, &storage.Priority{UserID: u.ID, Title: "Low"})
		require.NoError(t, err)
		_, err = repo.CreatePriority(ctx, &storage.Priority{UserID: u.ID, Title: "Low"})
		assert.ErrorIs(t, err, storage.ErrConflict)

		require.NoError(t, repo.RenamePriority(ctx, u.ID, p.ID, "Lowest"))
		got, err := repo.GetPriority(ctx, u.ID, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Lowest", got.Title)

		require.NoError(t, repo.DeletePriority(ctx, u.ID, p.ID))
		_, err = repo.GetPriority(ctx, u.ID, p.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TaskLifecycle", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("tasker"), storage.DefaultAccountDefaults)
		require.NoError(t, err)
		other, err := repo.CreateAccount(ctx, newUser("tasker2"), storage.DefaultAccountDefaults)
		require.NoError(t, err)
		statuses, _ := repo.ListStatuses(ctx, u.ID)
		priorities, _ := repo.ListPriorities(ctx, u.ID)
		otherStatuses, _ := repo.ListStatuses(ctx, other.ID)

		end := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
		task, err := repo.CreateTask(ctx, &storage.Task{
			UserID:       u.ID,
			Title:        "Write docs",
			Content:      "Explain the API",
			StatusID:     statuses[0].ID,
			PriorityID:   priorities[0].ID,
			EstimatedEnd: &end,
		})
		require.NoError(t, err)
		assert.NotZero(t, task.ID)

		_, err = repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "Bad", Content: "ref",
			StatusID: otherStatuses[0].ID, PriorityID: priorities[0].ID,
		})
		assert.ErrorIs(t, err, storage.ErrNotFound, "status of another user")

		got, err := repo.GetTask(ctx, u.ID, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.EstimatedEnd)
		assert.True(t, end.Equal(*got.EstimatedEnd))

		_, err = repo.GetTask(ctx, other.ID, task.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		second, err := repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "Second", Content: "more",
			StatusID: statuses[0].ID, PriorityID: priorities[0].ID,
		})
		require.NoError(t, err)

		list, err := repo.ListTasks(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, task.ID, list[0].ID)
		assert.Equal(t, second.ID, list[1].ID)

		updated, err := repo.UpdateTask(ctx, u.ID, task.ID, storage.TaskUpdate{Title: ptr("Rewrite docs")})
		require.NoError(t, err)
		assert.Equal(t, "Rewrite docs", updated.Title)
		assert.Equal(t, "Explain the API", updated.Content)

		_, err = repo.UpdateTask(ctx, other.ID, task.ID, storage.TaskUpdate{Title: ptr("hijack")})
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.DeleteTask(ctx, u.ID, second.ID))
		assert.ErrorIs(t, repo.DeleteTask(ctx, u.ID, second.ID), storage.ErrNotFound)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("cascader"), storage.DefaultAccountDefaults)
		require.NoError(t, err)
		statuses, _ := repo.ListStatuses(ctx, u.ID)
		priorities, _ := repo.ListPriorities(ctx, u.ID)

		extra, err := repo.CreateStatus(ctx, &storage.Status{UserID: u.ID, Title: "Blocked"})
		require.NoError(t, err)
		low, err := repo.CreatePriority(ctx, &storage.Priority{UserID: u.ID, Title: "Low"})
		require.NoError(t, err)

		byStatus, err := repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "by status", Content: "c",
			StatusID: extra.ID, PriorityID: priorities[0].ID,
		})
		require.NoError(t, err)
		byPriority, err := repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "by priority", Content: "c",
			StatusID: statuses[0].ID, PriorityID: low.ID,
		})
		require.NoError(t, err)

		require.NoError(t, repo.DeleteStatus(ctx, u.ID, extra.ID))
		_, err = repo.GetTask(ctx, u.ID, byStatus.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.DeletePriority(ctx, u.ID, low.ID))
		_, err = repo.GetTask(ctx, u.ID, byPriority.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		kept, err := repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "kept", Content: "c",
			StatusID: statuses[0].ID, PriorityID: priorities[0].ID,
		})
		require.NoError(t, err)

		require.NoError(t, repo.DeleteUser(ctx, u.ID))
		_, err = repo.GetUser(ctx, u.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetTask(ctx, u.ID, kept.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		list, err := repo.ListStatuses(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.ErrorIs(t, repo.DeleteUser(ctx, u.ID), storage.ErrNotFound)
	})

	t.Run("ListOverdueTasks", func(t *testing.T) {
		u, err := repo.CreateAccount(ctx, newUser("overdue"), storage.DefaultAccountDefaults)
		require.NoError(t, err)
		statuses, _ := repo.ListStatuses(ctx, u.ID)
		priorities, _ := repo.ListPriorities(ctx, u.ID)

		past := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
		future := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
		late, err := repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "late", Content: "c",
			StatusID: statuses[0].ID, PriorityID: priorities[0].ID, EstimatedEnd: &past,
		})
		require.NoError(t, err)
		_, err = repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "later", Content: "c",
			StatusID: statuses[0].ID, PriorityID: priorities[0].ID, EstimatedEnd: &future,
		})
		require.NoError(t, err)
		_, err = repo.CreateTask(ctx, &storage.Task{
			UserID: u.ID, Title: "undated", Content: "c",
			StatusID: statuses[0].ID, PriorityID: priorities[0].ID,
		})
		require.NoError(t, err)

		overdue, err := repo.ListOverdueTasks(ctx, time.Now())
		require.NoError(t, err)
		var ids []int64
		for _, task := range overdue {
			if task.UserID == u.ID {
				ids = append(ids, task.ID)
			}
		}
		assert.Equal(t, []int64{late.ID}, ids)
	})
}
