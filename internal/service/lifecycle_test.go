package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapxion/internal/domain"
)

func TestCreateStartsCleanAndPreparesArea(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)

	assert.Equal(t, domain.JobStatusCreated, job.Status)
	assert.Zero(t, job.Progress)
	assert.Zero(t, job.PhotosCount)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)
	assert.Equal(t, f.clock, job.CreatedAt)

	for _, region := range []domain.FileRegion{domain.RegionInput, domain.RegionOutput} {
		dir, err := f.files.Dir(job.ID, region)
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err, "region %s", region)
		assert.True(t, info.IsDir())
	}
}

func TestGetUnknownOrMalformedID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lc.Get(ctx, uuid.NewString())
	requireCode(t, err, domain.ErrNotFound, domain.CodeJobNotFound)

	_, err = f.lc.Get(ctx, "../../etc")
	requireCode(t, err, domain.ErrNotFound, domain.CodeJobNotFound)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.List(context.Background(), domain.ListFilter{Status: "paused"})
	requireCode(t, err, domain.ErrValidation, domain.CodeInvalidStatus)
}

func TestListNewestFirstWithDefaultLimit(t *testing.T) {
	f := newFixture(t)
	first := f.create(t)
	f.tick(time.Second)
	second := f.create(t)

	jobs, err := f.lc.List(context.Background(), domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestApplyUpdateStampsStartedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusQueued)

	f.tick(time.Minute)
	running, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{
		Status:   domain.StatusPtr(domain.JobStatusRunning),
		Progress: domain.ProgressPtr(5),
	})
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	started := *running.StartedAt
	assert.Equal(t, f.clock, started)

	f.tick(time.Minute)
	again, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{
		Status:   domain.StatusPtr(domain.JobStatusRunning),
		Progress: domain.ProgressPtr(20),
		Message:  domain.StringPtr("Importing photos"),
	})
	require.NoError(t, err)
	assert.Equal(t, started, *again.StartedAt)
	assert.Equal(t, 20, again.Progress)
	assert.Equal(t, "Importing photos", *again.Message)
	assert.Equal(t, f.clock, again.UpdatedAt)
}

func TestApplyUpdateProgressNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusRunning)

	_, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{Progress: domain.ProgressPtr(45)})
	require.NoError(t, err)
	got, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{Progress: domain.ProgressPtr(20)})
	require.NoError(t, err)
	assert.Equal(t, 45, got.Progress)
}

func TestApplyUpdateRejectsOutOfRangeProgressWithoutWriting(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)
	before := f.jobs.get(t, job.ID)

	for _, v := range []int{-1, 150} {
		_, err := f.lc.ApplyUpdate(context.Background(), job.ID, domain.JobPatch{Progress: domain.ProgressPtr(v)})
		requireCode(t, err, domain.ErrValidation, domain.CodeInvalidProgress)
	}
	assert.Zero(t, f.jobs.updates)
	assert.Equal(t, before, f.jobs.get(t, job.ID))
}

func TestApplyUpdateFinishedAtOnTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusRunning)

	f.tick(time.Hour)
	done, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{
		Status:   domain.StatusPtr(domain.JobStatusDone),
		Progress: domain.ProgressPtr(100),
		Message:  domain.StringPtr("Completed"),
	})
	require.NoError(t, err)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, f.clock, *done.FinishedAt)
	assert.Equal(t, 100, done.Progress)
}

func TestApplyUpdateRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusDone)

	_, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{Status: domain.StatusPtr(domain.JobStatusRunning)})
	requireCode(t, err, domain.ErrConflict, domain.CodeInvalidTransit)
	assert.Equal(t, domain.JobStatusDone, f.jobs.get(t, job.ID).Status)
}

func TestApplyUpdateLeavesAbsentFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusRunning)

	_, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{Message: domain.StringPtr("Aligning cameras"), Progress: domain.ProgressPtr(45)})
	require.NoError(t, err)
	got, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{Error: domain.StringPtr("warn")})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusRunning, got.Status)
	assert.Equal(t, 45, got.Progress)
	assert.Equal(t, "Aligning cameras", *got.Message)
	assert.Equal(t, "warn", *got.Error)
}

func TestApplyUpdateRetriesAfterConcurrentChange(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusQueued)

	raced := false
	f.jobs.beforeUpdate = func(rows map[string]domain.Job) {
		if !raced {
			raced = true
			rows[job.ID] = withStatus(rows[job.ID], domain.JobStatusRunning)
		}
	}

	got, err := f.lc.ApplyUpdate(context.Background(), job.ID, domain.JobPatch{
		Status:   domain.StatusPtr(domain.JobStatusRunning),
		Progress: domain.ProgressPtr(30),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.jobs.updates)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
	assert.Equal(t, 30, got.Progress)
}

func TestApplyUpdateSameStatusWriterDoesNotRegressProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)
	running := withStatus(f.jobs.rows[job.ID], domain.JobStatusRunning)
	running.Progress = 20
	f.jobs.rows[job.ID] = running

	// a newer report lands between this writer's read and its write; the
	// clock does not move, so only updated_at tells the two rows apart
	f.jobs.beforeSave = func() {
		_, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{Progress: domain.ProgressPtr(70)})
		require.NoError(t, err)
	}

	got, err := f.lc.ApplyUpdate(ctx, job.ID, domain.JobPatch{
		Progress: domain.ProgressPtr(45),
		Message:  domain.StringPtr("Aligning cameras"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.jobs.updates)
	assert.Equal(t, 70, got.Progress)
	assert.Equal(t, "Aligning cameras", *got.Message)

	stored := f.jobs.get(t, job.ID)
	assert.Equal(t, 70, stored.Progress)
	assert.True(t, stored.UpdatedAt.After(running.UpdatedAt))
}

func TestAdvanceAlwaysMovesForward(t *testing.T) {
	prev := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, prev.Add(time.Second), advance(prev, prev.Add(time.Second)))
	assert.Equal(t, prev.Add(time.Microsecond), advance(prev, prev))
	assert.Equal(t, prev.Add(time.Microsecond), advance(prev, prev.Add(-time.Hour)))
}

func TestApplyUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusQueued)

	f.jobs.beforeUpdate = func(rows map[string]domain.Job) {
		next := domain.JobStatusQueued
		if rows[job.ID].Status == domain.JobStatusQueued {
			next = domain.JobStatusFailed
		}
		rows[job.ID] = withStatus(rows[job.ID], next)
	}

	_, err := f.lc.ApplyUpdate(context.Background(), job.ID, domain.JobPatch{Progress: domain.ProgressPtr(10)})
	requireCode(t, err, domain.ErrConflict, domain.CodeStaleJob)
	assert.Equal(t, updateAttempts, f.jobs.updates)
}

func TestAcceptUploadSkipsNonImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)

	res, err := f.lc.AcceptUpload(ctx, job.ID, partsOf("a.jpg", "b.JPG", "c.png", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, []string{"a.jpg", "b.JPG", "c.png"}, res.Files)
	assert.Equal(t, []string{"notes.txt"}, res.Skipped)

	inputs, err := f.lc.ListInputs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.JPG", "c.png"}, inputs)
}

func TestAcceptUploadSanitizesNames(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)

	res, err := f.lc.AcceptUpload(context.Background(), job.ID, partsOf(`..\..\evil photo?.jpg`))
	require.NoError(t, err)
	require.Equal(t, []string{"_._.._evil photo_.jpg"}, res.Files)

	dir, err := f.files.Dir(job.ID, domain.RegionInput)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "_._.._evil photo_.jpg"))
	require.NoError(t, err)
}

func TestAcceptUploadWithoutImages(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)

	_, err := f.lc.AcceptUpload(context.Background(), job.ID, partsOf("readme.md"))
	requireCode(t, err, domain.ErrValidation, domain.CodeNoFiles)

	_, err = f.lc.AcceptUpload(context.Background(), job.ID, partsOf())
	requireCode(t, err, domain.ErrValidation, domain.CodeNoFiles)
}

func TestAcceptUploadLockedStatuses(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusDone} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			job := f.create(t)
			f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], status)

			_, err := f.lc.AcceptUpload(context.Background(), job.ID, partsOf("a.jpg"))
			requireCode(t, err, domain.ErrConflict, domain.CodeJobLocked)

			inputs, err := f.lc.ListInputs(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Empty(t, inputs)
		})
	}
}

func TestAcceptUploadReopensAfterFailure(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusFailed)

	res, err := f.lc.AcceptUpload(context.Background(), job.ID, partsOf("a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestAcceptUploadBrokenStream(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)

	src := partsOf("a.jpg")
	src.err = errors.New("unexpected EOF")
	_, err := f.lc.AcceptUpload(context.Background(), job.ID, src)
	requireCode(t, err, domain.ErrValidation, domain.CodeNoFiles)
}

func TestAcceptOutputIgnoresLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.create(t)
	f.jobs.rows[job.ID] = withStatus(f.jobs.rows[job.ID], domain.JobStatusDone)

	saved, err := f.lc.AcceptOutput(ctx, job.ID, "model.zip", partsOf("x").parts[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "model.zip", saved.Name)
	assert.Equal(t, domain.RegionOutput, saved.Region)

	outputs, err := f.lc.ListOutputs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "model.zip", outputs[0].Name)
}

func TestAcceptOutputUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.AcceptOutput(context.Background(), uuid.NewString(), "model.zip", partsOf("x").parts[0].Body)
	requireCode(t, err, domain.ErrNotFound, domain.CodeJobNotFound)
}

func withStatus(job domain.Job, s domain.JobStatus) domain.Job {
	job.Status = s
	return job
}
