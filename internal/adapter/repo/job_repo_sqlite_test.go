package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mapxion/internal/domain"
)

func openTestSQLite(t *testing.T) *JobRepositorySQLite {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newJob(at time.Time) *domain.Job {
	return &domain.Job{
		ID:        uuid.NewString(),
		Status:    domain.JobStatusCreated,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestSQLiteCreateAndGet(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	job := newJob(now)
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, domain.JobStatusCreated, got.Status)
	require.True(t, got.CreatedAt.Equal(now))
	require.Nil(t, got.Message)
	require.Nil(t, got.StartedAt)
}

func TestSQLiteGetMissing(t *testing.T) {
	repo := openTestSQLite(t)
	_, err := repo.GetByID(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, domain.CodeJobNotFound, domain.CodeOf(err))
}

func TestSQLiteGuardedUpdate(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job := newJob(now)
	require.NoError(t, repo.Create(ctx, job))

	started := now.Add(time.Minute)
	first := *job
	first.Status = domain.JobStatusQueued
	first.PhotosCount = 3
	first.Price = 0.21
	first.Message = domain.StringPtr("queued")
	first.UpdatedAt = started
	require.NoError(t, repo.Update(ctx, &first, job.Version()))

	// a second writer that read the same "created" row loses
	second := *job
	second.Status = domain.JobStatusFailed
	err := repo.Update(ctx, &second, job.Version())
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, domain.CodeStaleJob, domain.CodeOf(err))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, got.Status)
	require.Equal(t, 3, got.PhotosCount)
	require.InDelta(t, 0.21, got.Price, 1e-9)
	require.Equal(t, "queued", *got.Message)
	require.True(t, got.UpdatedAt.Equal(started))

	ghost := newJob(now)
	require.ErrorIs(t, repo.Update(ctx, ghost, ghost.Version()), domain.ErrNotFound)
}

func TestSQLiteSameStatusWritersConflict(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	job := newJob(time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC))
	job.Status = domain.JobStatusRunning
	job.Progress = 20
	require.NoError(t, repo.Create(ctx, job))

	read, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)

	ahead := *read
	ahead.Progress = 70
	ahead.UpdatedAt = read.UpdatedAt.Add(time.Second)
	require.NoError(t, repo.Update(ctx, &ahead, read.Version()))

	// same status, but the row moved on since it was read
	behind := *read
	behind.Progress = 45
	behind.UpdatedAt = read.UpdatedAt.Add(2 * time.Second)
	err = repo.Update(ctx, &behind, read.Version())
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, domain.CodeStaleJob, domain.CodeOf(err))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 70, got.Progress)
}

func TestSQLiteListNewestFirstWithFilter(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		job := newJob(base.Add(time.Duration(i) * time.Second))
		if i == 1 {
			job.Status = domain.JobStatusFailed
			job.Error = domain.StringPtr(domain.CodeNoInputFiles)
		}
		require.NoError(t, repo.Create(ctx, job))
		ids = append(ids, job.ID)
	}

	all, err := repo.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	failed, err := repo.List(ctx, domain.ListFilter{Status: domain.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, ids[1], failed[0].ID)
	require.Equal(t, domain.CodeNoInputFiles, *failed[0].Error)

	limited, err := repo.List(ctx, domain.ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestSQLiteTimestampsRoundTrip(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job := newJob(now)
	require.NoError(t, repo.Create(ctx, job))

	updated := *job
	started := now.Add(2 * time.Second)
	finished := now.Add(9 * time.Second)
	updated.Status = domain.JobStatusDone
	updated.StartedAt = &started
	updated.FinishedAt = &finished
	updated.Progress = 100
	require.NoError(t, repo.Update(ctx, &updated, job.Version()))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.True(t, got.StartedAt.Equal(started))
	require.True(t, got.FinishedAt.Equal(finished))
	require.Equal(t, 100, got.Progress)
}
