package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mapxion/internal/domain"
	"mapxion/internal/metrics"
	"mapxion/internal/queue"
	"mapxion/internal/storage"
)

const (
	startProgress        = 5
	maxErrorText         = 500
	consumerRestartDelay = 2 * time.Second
)

// Options wires a Pipeline. Mirror and Metrics may be nil.
type Options struct {
	Reporter  Reporter
	Transport Transport
	Processor Processor
	Mirror    *storage.S3Mirror
	WorkRoot  string
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Pipeline handles one queue message end to end.
type Pipeline struct {
	reporter  Reporter
	transport Transport
	processor Processor
	mirror    *storage.S3Mirror
	workRoot  string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewPipeline(opts Options) *Pipeline {
	root := opts.WorkRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "mapxion-worker")
	}
	return &Pipeline{
		reporter:  opts.Reporter,
		transport: opts.Transport,
		processor: opts.Processor,
		mirror:    opts.Mirror,
		workRoot:  root,
		logger:    opts.Logger.With().Str("component", "pipeline").Logger(),
		metrics:   opts.Metrics,
	}
}

// Handle runs the job named by msg. A nil return acks the message; an error
// hands it back to the queue's retry policy.
func (p *Pipeline) Handle(ctx context.Context, msg queue.Message) error {
	log := p.logger.With().Str("job_id", msg.JobID).Str("message_id", msg.ID).Int("attempt", msg.AttemptsMade+1).Logger()
	start := time.Now()
	if p.metrics != nil {
		p.metrics.WorkerActive.Inc()
		defer p.metrics.WorkerActive.Dec()
	}

	_, err := p.reporter.PatchJob(ctx, msg.JobID, domain.JobPatch{
		Status:   domain.StatusPtr(domain.JobStatusRunning),
		Progress: domain.ProgressPtr(startProgress),
		Message:  domain.StringPtr("Starting"),
	})
	if err != nil {
		switch StatusCode(err) {
		case http.StatusConflict, http.StatusNotFound:
			// finished elsewhere or deleted; redelivering cannot help
			log.Warn().Err(err).Msg("job no longer accepts work, skipping message")
			p.observe("skipped", start)
			return nil
		}
		p.observe("retry", start)
		return fmt.Errorf("report running: %w", err)
	}
	log.Info().Msg("job started")

	ws, err := newWorkspace(p.workRoot, msg.JobID)
	if err != nil {
		return p.failJob(ctx, log, msg.JobID, nil, err, start)
	}
	defer func() {
		if err := ws.cleanup(); err != nil {
			log.Warn().Err(err).Msg("workspace cleanup failed")
		}
	}()

	if err := p.run(ctx, log, ws); err != nil {
		return p.failJob(ctx, log, msg.JobID, ws, err, start)
	}

	if _, err := p.reporter.PatchJob(ctx, msg.JobID, domain.JobPatch{
		Status:   domain.StatusPtr(domain.JobStatusDone),
		Progress: domain.ProgressPtr(100),
		Message:  domain.StringPtr("Completed"),
	}); err != nil {
		p.observe("retry", start)
		return fmt.Errorf("report done: %w", err)
	}
	log.Info().Dur("took", time.Since(start)).Msg("job completed")
	p.observe("done", start)
	return nil
}

func (p *Pipeline) run(ctx context.Context, log zerolog.Logger, ws *Workspace) error {
	inputs, err := p.transport.FetchInputs(ctx, ws.JobID, ws.InputDir)
	if err != nil {
		return fmt.Errorf("fetch inputs: %w", err)
	}
	sort.Strings(inputs)
	ws.Inputs = inputs
	log.Debug().Int("inputs", len(inputs)).Msg("inputs fetched")

	for _, stage := range Stages {
		if _, err := p.reporter.PatchJob(ctx, ws.JobID, domain.JobPatch{
			Progress: domain.ProgressPtr(stage.Progress),
			Message:  domain.StringPtr(stage.Message),
		}); err != nil {
			return fmt.Errorf("report %s: %w", stage.Name, err)
		}
		if err := p.processor.Run(ctx, stage, ws); err != nil {
			return fmt.Errorf("%s: %w", stage.Name, err)
		}
	}
	return p.publishOutputs(ctx, log, ws)
}

func (p *Pipeline) publishOutputs(ctx context.Context, log zerolog.Logger, ws *Workspace) error {
	entries, err := os.ReadDir(ws.OutputDir)
	if err != nil {
		return fmt.Errorf("read outputs: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := p.putOutput(ctx, log, ws, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) putOutput(ctx context.Context, log zerolog.Logger, ws *Workspace, name string) error {
	path := filepath.Join(ws.OutputDir, name)
	if err := p.transport.PutOutput(ctx, ws.JobID, name, path); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if p.mirror == nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("mirror %s: %w", name, err)
	}
	if err := p.mirror.PutOutput(ctx, ws.JobID, name, f, info.Size()); err != nil {
		// the API copy is authoritative
		log.Warn().Err(err).Str("file", name).Msg("output mirror failed")
	}
	return nil
}

// failJob leaves a best-effort error.txt, reports failed and returns cause so
// the queue can redeliver. A cancelled run is handed back untouched.
func (p *Pipeline) failJob(ctx context.Context, log zerolog.Logger, jobID string, ws *Workspace, cause error, start time.Time) error {
	if ctx.Err() != nil {
		p.observe("retry", start)
		return cause
	}
	log.Error().Err(cause).Msg("job failed")
	text := cause.Error()
	if len(text) > maxErrorText {
		text = text[:maxErrorText]
	}

	if ws != nil {
		path := filepath.Join(ws.OutputDir, ErrorName)
		body := fmt.Sprintf("job %s failed at %s\n%s\n", jobID, time.Now().UTC().Format(time.RFC3339), cause)
		if err := os.WriteFile(path, []byte(body), 0o644); err == nil {
			if err := p.transport.PutOutput(ctx, jobID, ErrorName, path); err != nil {
				log.Warn().Err(err).Msg("upload error.txt failed")
			}
		}
	}

	if _, err := p.reporter.PatchJob(ctx, jobID, domain.JobPatch{
		Status:  domain.StatusPtr(domain.JobStatusFailed),
		Message: domain.StringPtr("Failed"),
		Error:   domain.StringPtr(text),
	}); err != nil {
		log.Error().Err(err).Msg("report failed status")
		cause = errors.Join(cause, err)
	}
	p.observe("failed", start)
	return cause
}

func (p *Pipeline) observe(result string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.WorkerJobs.WithLabelValues(result).Inc()
	p.metrics.WorkerJobDuration.Observe(time.Since(start).Seconds())
}

// Run consumes from c with the given number of slots until ctx is done. A
// consumer that stops with an error is restarted after a short pause.
func (p *Pipeline) Run(ctx context.Context, c queue.Consumer, slots int) error {
	if slots < 1 {
		slots = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for slot := 0; slot < slots; slot++ {
		g.Go(func() error {
			log := p.logger.With().Int("slot", slot).Logger()
			for {
				err := c.Consume(ctx, p.Handle)
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msg("consumer stopped, restarting")
				if err := sleep(ctx, consumerRestartDelay); err != nil {
					return nil
				}
			}
		})
	}
	return g.Wait()
}
