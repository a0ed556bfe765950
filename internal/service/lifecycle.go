// Package service holds the job lifecycle rules and the dispatch flow that
// sit between the HTTP handlers and the job store, file area and queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mapxion/internal/domain"
	"mapxion/internal/metrics"
	"mapxion/internal/storage"
)

// updateAttempts bounds the read-modify-write loop of ApplyUpdate when a
// concurrent writer changes the status underneath it.
const updateAttempts = 3

// FilePart is one file of an upload request.
type FilePart struct {
	Name string
	Body io.Reader
}

// PartSource yields the files of an upload one at a time and returns io.EOF
// once exhausted. Parts are consumed in order and must not be retained.
type PartSource interface {
	NextFile() (FilePart, error)
}

// Lifecycle enforces the job state machine, the upload lock and the
// bookkeeping of timestamps and progress.
type Lifecycle struct {
	jobs    domain.JobRepository
	files   *storage.FileArea
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLifecycle wires the controller. m may be nil.
func NewLifecycle(jobs domain.JobRepository, files *storage.FileArea, logger zerolog.Logger, m *metrics.Metrics) *Lifecycle {
	return &Lifecycle{
		jobs:    jobs,
		files:   files,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
		metrics: m,
		// Postgres keeps microseconds; the update guard compares what it stored
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Files exposes the file area the controller writes to.
func (l *Lifecycle) Files() *storage.FileArea { return l.files }

// Create inserts a fresh job and prepares its file area.
func (l *Lifecycle) Create(ctx context.Context) (*domain.Job, error) {
	now := l.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Status:    domain.JobStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.jobs.Create(ctx, job); err != nil {
		return nil, domain.WrapError(domain.ErrInternal, domain.CodeInternal, "could not create job", err)
	}
	if err := l.files.Ensure(ctx, job.ID); err != nil {
		// the row exists; the area is created lazily on first write anyway
		l.logger.Warn().Err(err).Str("job_id", job.ID).Msg("ensure file area failed")
	}
	if l.metrics != nil {
		l.metrics.JobsCreated.Inc()
	}
	l.logger.Info().Str("job_id", job.ID).Msg("job created")
	return job, nil
}

// Get loads one job. Ids that are not UUIDs are reported as not found.
func (l *Lifecycle) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.JobNotFound(jobID)
	}
	return l.jobs.GetByID(ctx, jobID)
}

// List returns the newest jobs, optionally filtered by status.
func (l *Lifecycle) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewError(domain.ErrValidation, domain.CodeInvalidStatus, fmt.Sprintf("unknown status %q", filter.Status))
	}
	return l.jobs.List(ctx, filter.Normalize())
}

// ApplyUpdate applies the status-update contract: absent fields stay
// unchanged, progress never regresses within a run, and started_at and
// finished_at are stamped only once.
func (l *Lifecycle) ApplyUpdate(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		job, err := l.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		next, err := l.patched(job, patch)
		if err != nil {
			return nil, err
		}
		err = l.save(ctx, next, job.Version())
		if err == nil {
			if next.Status != job.Status {
				l.logger.Info().Str("job_id", jobID).Str("from", string(job.Status)).Str("to", string(next.Status)).Msg("job status changed")
			}
			return next, nil
		}
		if domain.CodeOf(err) != domain.CodeStaleJob || attempt >= updateAttempts {
			return nil, err
		}
	}
}

func (l *Lifecycle) patched(job *domain.Job, patch domain.JobPatch) (*domain.Job, error) {
	next := *job
	now := l.now()
	if patch.Status != nil {
		if !domain.CanTransition(job.Status, *patch.Status) {
			return nil, domain.NewError(domain.ErrConflict, domain.CodeInvalidTransit,
				fmt.Sprintf("cannot move job from %s to %s", job.Status, *patch.Status))
		}
		next.Status = *patch.Status
	}
	if patch.Progress != nil {
		if p := patch.Progress.Int(); p > next.Progress {
			next.Progress = p
		}
	}
	if patch.Message != nil {
		next.Message = patch.Message
	}
	if patch.Error != nil {
		next.Error = patch.Error
	}
	if patch.Status != nil {
		if next.Status == domain.JobStatusRunning && next.StartedAt == nil {
			next.StartedAt = &now
		}
		if next.Status.Terminal() && next.FinishedAt == nil {
			next.FinishedAt = &now
		}
	}
	next.UpdatedAt = advance(job.UpdatedAt, now)
	return &next, nil
}

// advance returns now, or the smallest later instant when the clock has not
// moved past prev. Every write must change updated_at for the guard to hold.
func advance(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

// save persists next while the stored row still matches expect.
func (l *Lifecycle) save(ctx context.Context, next *domain.Job, expect domain.JobVersion) error {
	if err := l.jobs.Update(ctx, next, expect); err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return err
		}
		return domain.WrapError(domain.ErrInternal, domain.CodeInternal, "could not update job", err)
	}
	if l.metrics != nil && next.Status != expect.Status {
		l.metrics.JobTransitions.WithLabelValues(string(expect.Status), string(next.Status)).Inc()
	}
	return nil
}

// IsLocked reports whether uploads are refused in status s.
func (l *Lifecycle) IsLocked(s domain.JobStatus) bool {
	return domain.IsLocked(s)
}

// AcceptUpload stores the image parts of an upload into the input region.
// Non-image parts are skipped and reported; a request without any image is
// rejected with no_files.
func (l *Lifecycle) AcceptUpload(ctx context.Context, jobID string, parts PartSource) (*domain.UploadResult, error) {
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if l.IsLocked(job.Status) {
		return nil, domain.NewError(domain.ErrConflict, domain.CodeJobLocked,
			fmt.Sprintf("job is %s; uploads are closed", job.Status))
	}

	result := &domain.UploadResult{Files: []string{}, Skipped: []string{}}
	for {
		part, err := parts.NextFile()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.WrapError(domain.ErrValidation, domain.CodeNoFiles, "could not read upload", err)
		}
		saved, ok, err := l.files.SaveInput(ctx, jobID, part.Name, part.Body)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInternal, domain.CodeInternal, "could not store upload", err)
		}
		if !ok {
			result.Skipped = append(result.Skipped, storage.SanitizeFilename(part.Name))
			continue
		}
		result.Files = append(result.Files, saved.Name)
		if l.metrics != nil {
			l.metrics.UploadedFiles.WithLabelValues(string(domain.RegionInput)).Inc()
			l.metrics.UploadedBytes.WithLabelValues(string(domain.RegionInput)).Add(float64(saved.Size))
		}
	}
	result.Count = len(result.Files)
	if result.Count == 0 {
		return nil, domain.NewError(domain.ErrValidation, domain.CodeNoFiles, "request carries no image file")
	}
	l.logger.Info().Str("job_id", jobID).Int("files", result.Count).Int("skipped", len(result.Skipped)).Msg("inputs uploaded")
	return result, nil
}

// AcceptOutput stores one worker artifact. Outputs are accepted in every
// status because the worker is their only writer.
func (l *Lifecycle) AcceptOutput(ctx context.Context, jobID, name string, body io.Reader) (*domain.StoredFile, error) {
	if _, err := l.Get(ctx, jobID); err != nil {
		return nil, err
	}
	saved, err := l.files.SaveOutput(ctx, jobID, name, body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInternal, domain.CodeInternal, "could not store output", err)
	}
	if l.metrics != nil {
		l.metrics.UploadedFiles.WithLabelValues(string(domain.RegionOutput)).Inc()
		l.metrics.UploadedBytes.WithLabelValues(string(domain.RegionOutput)).Add(float64(saved.Size))
	}
	l.logger.Info().Str("job_id", jobID).Str("file", saved.Name).Int64("size", saved.Size).Msg("output stored")
	return &saved, nil
}

// ListInputs returns the image inputs of a job.
func (l *Lifecycle) ListInputs(ctx context.Context, jobID string) ([]string, error) {
	return l.files.ListInputs(ctx, jobID)
}

// ListOutputs returns the output artifacts of a job.
func (l *Lifecycle) ListOutputs(ctx context.Context, jobID string) ([]domain.StoredFile, error) {
	return l.files.ListOutputs(ctx, jobID)
}
