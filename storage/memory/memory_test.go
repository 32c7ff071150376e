package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepositoryReturnsClones(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	u, err := repo.CreateAccount(ctx, &storage.User{Username: "clone", Email: "clone@example.com"}, storage.DefaultAccountDefaults)
	require.NoError(t, err)
	u.Username = "mutated"

	got, err := repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "clone", got.Username)

	statuses, _ := repo.ListStatuses(ctx, u.ID)
	priorities, _ := repo.ListPriorities(ctx, u.ID)
	end := time.Now().UTC()
	task, err := repo.CreateTask(ctx, &storage.Task{
		UserID: u.ID, Title: "t", Content: "c",
		StatusID: statuses[0].ID, PriorityID: priorities[0].ID, EstimatedEnd: &end,
	})
	require.NoError(t, err)
	*task.EstimatedEnd = end.Add(time.Hour)

	stored, err := repo.GetTask(ctx, u.ID, task.ID)
	require.NoError(t, err)
	assert.True(t, stored.EstimatedEnd.Equal(end))
}
