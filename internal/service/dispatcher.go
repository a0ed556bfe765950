package service

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"mapxion/internal/domain"
	"mapxion/internal/metrics"
	"mapxion/internal/queue"
)

// Dispatcher validates a job as ready, prices it and publishes it to the
// work queue.
type Dispatcher struct {
	lifecycle    *Lifecycle
	queue        queue.WorkQueue
	pricePerUnit float64
	policy       queue.RetryPolicy
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// NewDispatcher wires the dispatch flow with the default retry policy.
func NewDispatcher(lc *Lifecycle, q queue.WorkQueue, pricePerUnit float64, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		lifecycle:    lc,
		queue:        q,
		pricePerUnit: pricePerUnit,
		policy:       queue.DefaultRetryPolicy(),
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		metrics:      m,
	}
}

// QueueReady reports the broker readiness flag.
func (d *Dispatcher) QueueReady() bool {
	return d.queue.Ready()
}

// Price returns count × price-per-unit rounded to cents.
func Price(count int, perUnit float64) float64 {
	return math.Round(float64(count)*perUnit*100) / 100
}

// Submit moves a created or failed job to queued and publishes it.
func (d *Dispatcher) Submit(ctx context.Context, jobID string) (*domain.SubmitResult, error) {
	result, err := d.submit(ctx, jobID)
	if d.metrics != nil {
		outcome := "enqueued"
		if err != nil {
			outcome = domain.CodeOf(err)
		}
		d.metrics.Submissions.WithLabelValues(outcome).Inc()
	}
	return result, err
}

func (d *Dispatcher) submit(ctx context.Context, jobID string) (*domain.SubmitResult, error) {
	job, err := d.lifecycle.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if domain.IsLocked(job.Status) {
		return nil, domain.NewError(domain.ErrConflict, domain.CodeJobLocked,
			fmt.Sprintf("job is %s and cannot be submitted", job.Status))
	}
	if !d.queue.Ready() {
		return nil, domain.NewError(domain.ErrUnavailable, domain.CodeQueueUnavailable, "work queue is not reachable, retry later")
	}

	inputs, err := d.lifecycle.ListInputs(ctx, jobID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInternal, domain.CodeInternal, "could not list inputs", err)
	}
	now := d.lifecycle.now()
	log := d.logger.With().Str("job_id", jobID).Logger()

	if len(inputs) == 0 {
		failed := *job
		failed.Status = domain.JobStatusFailed
		failed.Error = domain.StringPtr(domain.CodeNoInputFiles)
		failed.UpdatedAt = advance(job.UpdatedAt, now)
		if failed.FinishedAt == nil {
			failed.FinishedAt = &now
		}
		if err := d.lifecycle.save(ctx, &failed, job.Version()); err != nil {
			return nil, err
		}
		log.Info().Msg("submit rejected: no input files")
		return nil, domain.NewError(domain.ErrValidation, domain.CodeNoInputFiles, "job has no input files")
	}

	// started_at stays unset until the worker reports running
	queued := *job
	queued.Status = domain.JobStatusQueued
	queued.PhotosCount = len(inputs)
	queued.Price = Price(len(inputs), d.pricePerUnit)
	queued.Progress = 0
	queued.Message = nil
	queued.Error = nil
	queued.UpdatedAt = advance(job.UpdatedAt, now)
	if err := d.lifecycle.save(ctx, &queued, job.Version()); err != nil {
		return nil, err
	}

	msg := queue.NewMessage(jobID, d.policy)
	if err := d.queue.Publish(ctx, msg); err != nil {
		// the row already says queued; an operator has to republish or fail it
		log.Error().Err(err).Str("message_id", msg.ID).Str("status", string(queued.Status)).
			Msg("reconcile: job queued but message not published")
		return nil, domain.WrapError(domain.ErrInternal, domain.CodeEnqueueFailed, "job was queued but could not be published", err)
	}
	log.Info().Int("inputs", queued.PhotosCount).Float64("price", queued.Price).Str("message_id", msg.ID).Msg("job submitted")

	return &domain.SubmitResult{
		Enqueued: true,
		Inputs:   queued.PhotosCount,
		Price:    queued.Price,
		Job:      &queued,
	}, nil
}
