package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "querycheck/internal/db"
	"querycheck/internal/domain"
)

func setupSubtaskRepo(t *testing.T) *SubtaskRepo {
	t.Helper()
	return NewSubtaskRepo(internaldb.OpenTestSQLite(t))
}

var testKey = domain.SubtaskKey{TaskID: "task-1", ObjectKey: "cluster-1/audit.log.gz"}

func seedCreated(t *testing.T, repo *SubtaskRepo) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &domain.SubtaskState{
		SubtaskKey: testKey,
		Status:     domain.SubtaskStatusCreated,
	}))
}

func TestSubtaskRepo_CreateAndGet(t *testing.T) {
	t.Parallel()
	repo := setupSubtaskRepo(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 2, 3, 4, 5, 678901000, time.UTC)
	require.NoError(t, repo.Create(ctx, &domain.SubtaskState{SubtaskKey: testKey, UpdateTime: at}))

	got, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusCreated, got.Status)
	assert.Equal(t, at, got.UpdateTime)
	assert.Zero(t, got.TotalCount)

	err = repo.Create(ctx, &domain.SubtaskState{SubtaskKey: testKey})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestSubtaskRepo_GetNotFound(t *testing.T) {
	t.Parallel()
	repo := setupSubtaskRepo(t)

	_, err := repo.Get(context.Background(), testKey)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSubtaskRepo_TransitionLifecycle(t *testing.T) {
	t.Parallel()
	repo := setupSubtaskRepo(t)
	ctx := context.Background()
	seedCreated(t, repo)

	require.NoError(t, repo.Transition(ctx, domain.Transition{
		Key:  testKey,
		From: domain.SubtaskStatusCreated,
		To:   domain.SubtaskStatusInProgress,
		// ignored for non-terminal targets
		Counts: domain.SubtaskCounts{TotalCount: 99},
	}))
	got, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusInProgress, got.Status)
	assert.Zero(t, got.TotalCount)

	require.NoError(t, repo.Transition(ctx, domain.Transition{
		Key:    testKey,
		From:   domain.SubtaskStatusInProgress,
		To:     domain.SubtaskStatusCompleted,
		Counts: domain.SubtaskCounts{TotalCount: 120, ErrorCount: 3},
	}))
	got, err = repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusCompleted, got.Status)
	assert.Equal(t, int64(120), got.TotalCount)
	assert.Equal(t, int64(3), got.ErrorCount)
	assert.Zero(t, got.WarningCount)
}

func TestSubtaskRepo_TransitionGuard(t *testing.T) {
	t.Parallel()
	repo := setupSubtaskRepo(t)
	ctx := context.Background()
	seedCreated(t, repo)

	// stored status is Created, not In-progress
	err := repo.Transition(ctx, domain.Transition{
		Key:  testKey,
		From: domain.SubtaskStatusInProgress,
		To:   domain.SubtaskStatusCompleted,
	})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusCreated, got.Status)

	// missing record
	err = repo.Transition(ctx, domain.Transition{
		Key:  domain.SubtaskKey{TaskID: "task-1", ObjectKey: "other"},
		From: domain.SubtaskStatusCreated,
		To:   domain.SubtaskStatusInProgress,
	})
	require.ErrorAs(t, err, &conflict)

	// illegal edge is rejected before touching the store
	err = repo.Transition(ctx, domain.Transition{
		Key:  testKey,
		From: domain.SubtaskStatusCreated,
		To:   domain.SubtaskStatusCompleted,
	})
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestSubtaskRepo_ConcurrentStart(t *testing.T) {
	t.Parallel()
	repo := setupSubtaskRepo(t)
	ctx := context.Background()
	seedCreated(t, repo)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = repo.Transition(ctx, domain.Transition{
				Key:  testKey,
				From: domain.SubtaskStatusCreated,
				To:   domain.SubtaskStatusInProgress,
			})
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var conflict *domain.ConflictError
		switch {
		case err == nil:
			ok++
		case assert.ErrorAs(t, err, &conflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, conflicts)
}
