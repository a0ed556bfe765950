package worker_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapxion/internal/adapter/repo"
	"mapxion/internal/domain"
	"mapxion/internal/http/handlers"
	"mapxion/internal/http/httpapi"
	"mapxion/internal/infra"
	"mapxion/internal/metrics"
	"mapxion/internal/queue"
	"mapxion/internal/service"
	"mapxion/internal/storage"
	"mapxion/internal/worker"
)

type readyQueue struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (q *readyQueue) Ready() bool { return true }

func (q *readyQueue) Publish(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *readyQueue) Close() error { return nil }

// env is a running API backed by SQLite and a temp file area.
type env struct {
	server *httptest.Server
	lc     *service.Lifecycle
	disp   *service.Dispatcher
	files  *storage.FileArea
	queue  *readyQueue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store, err := repo.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := storage.NewFileArea(t.TempDir())
	require.NoError(t, err)

	cfg := &infra.Config{ArchivePrefix: "mapxion", MaxUploadMB: 16, PricePerUnit: 0.07}
	q := &readyQueue{}
	lc := service.NewLifecycle(store, files, zerolog.Nop(), nil)
	disp := service.NewDispatcher(lc, q, cfg.PricePerUnit, zerolog.Nop(), nil)
	srv := httptest.NewServer(httpapi.NewRouter(handlers.NewApp(cfg, zerolog.Nop(), lc, disp, nil, "test")))
	t.Cleanup(srv.Close)

	return &env{server: srv, lc: lc, disp: disp, files: files, queue: q}
}

// submittedJob creates a job with the given inputs and submits it.
func (e *env) submittedJob(t *testing.T, inputs map[string]string) (*domain.Job, queue.Message) {
	t.Helper()
	ctx := context.Background()
	job, err := e.lc.Create(ctx)
	require.NoError(t, err)

	var parts []service.FilePart
	for name, body := range inputs {
		parts = append(parts, service.FilePart{Name: name, Body: strings.NewReader(body)})
	}
	_, err = e.lc.AcceptUpload(ctx, job.ID, &partList{parts: parts})
	require.NoError(t, err)
	_, err = e.disp.Submit(ctx, job.ID)
	require.NoError(t, err)

	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return job, e.queue.msgs[len(e.queue.msgs)-1]
}

type partList struct{ parts []service.FilePart }

func (p *partList) NextFile() (service.FilePart, error) {
	if len(p.parts) == 0 {
		return service.FilePart{}, io.EOF
	}
	next := p.parts[0]
	p.parts = p.parts[1:]
	return next, nil
}

// recorder keeps every patch the pipeline sends.
type recorder struct {
	inner   worker.Reporter
	mu      sync.Mutex
	patches []domain.JobPatch
}

func (r *recorder) PatchJob(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error) {
	r.mu.Lock()
	r.patches = append(r.patches, patch)
	r.mu.Unlock()
	return r.inner.PatchJob(ctx, jobID, patch)
}

func (r *recorder) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, p := range r.patches {
		if p.Progress != nil {
			out = append(out, p.Progress.Int())
		}
	}
	return out
}

type failingProcessor struct {
	stage string
	inner worker.Processor
}

func (f failingProcessor) Run(ctx context.Context, stage worker.Stage, ws *worker.Workspace) error {
	if stage.Name == f.stage {
		return errors.New("mesh solver diverged")
	}
	return f.inner.Run(ctx, stage, ws)
}

func newPipeline(t *testing.T, e *env, proc worker.Processor, transport worker.Transport, m *metrics.Metrics) (*worker.Pipeline, *recorder) {
	t.Helper()
	client := worker.NewAPIClient(e.server.URL, e.server.Client())
	rec := &recorder{inner: client}
	if proc == nil {
		proc = worker.NewPlaceholder(0)
	}
	if transport == nil {
		transport = client
	}
	return worker.NewPipeline(worker.Options{
		Reporter:  rec,
		Transport: transport,
		Processor: proc,
		WorkRoot:  t.TempDir(),
		Logger:    zerolog.Nop(),
		Metrics:   m,
	}), rec
}

func TestPipelineCompletesJob(t *testing.T) {
	e := newEnv(t)
	job, msg := e.submittedJob(t, map[string]string{"a.jpg": "alpha", "b.jpg": "bravo"})
	m := metrics.New()
	p, rec := newPipeline(t, e, nil, nil, m)

	require.NoError(t, p.Handle(context.Background(), msg))

	got, err := e.lc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "Completed", *got.Message)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, []int{5, 20, 45, 70, 90, 100}, rec.progress())

	outputs, err := e.lc.ListOutputs(context.Background(), job.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(outputs))
	for _, o := range outputs {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{worker.ManifestName, worker.ModelName}, names)

	dir, err := e.files.Dir(job.ID, domain.RegionOutput)
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, worker.ManifestName))
	require.NoError(t, err)
	var manifest struct {
		JobID  string `json:"job_id"`
		Inputs []struct {
			Name   string `json:"name"`
			Size   int64  `json:"size"`
			SHA256 string `json:"sha256"`
		} `json:"inputs"`
	}
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, job.ID, manifest.JobID)
	require.Len(t, manifest.Inputs, 2)
	assert.Equal(t, "a.jpg", manifest.Inputs[0].Name)
	assert.Equal(t, int64(5), manifest.Inputs[0].Size)
	assert.Len(t, manifest.Inputs[0].SHA256, 64)

	model, err := os.ReadFile(filepath.Join(dir, worker.ModelName))
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(model), int64(len(model)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, worker.ManifestName, zr.File[0].Name)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerJobs.WithLabelValues("done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkerActive))
}

func TestPipelineReportsFailure(t *testing.T) {
	e := newEnv(t)
	job, msg := e.submittedJob(t, map[string]string{"a.jpg": "alpha"})
	p, _ := newPipeline(t, e, failingProcessor{stage: "build", inner: worker.NewPlaceholder(0)}, nil, nil)

	err := p.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mesh solver diverged")

	got, err := e.lc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "mesh solver diverged")
	assert.Equal(t, 70, got.Progress)
	assert.NotNil(t, got.FinishedAt)

	outputs, err := e.lc.ListOutputs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, worker.ErrorName, outputs[0].Name)
}

func TestPipelineRedeliveryAfterFailure(t *testing.T) {
	e := newEnv(t)
	job, msg := e.submittedJob(t, map[string]string{"a.jpg": "alpha"})

	failing, _ := newPipeline(t, e, failingProcessor{stage: "align", inner: worker.NewPlaceholder(0)}, nil, nil)
	require.Error(t, failing.Handle(context.Background(), msg))

	msg.AttemptsMade++
	healthy, _ := newPipeline(t, e, nil, nil, nil)
	require.NoError(t, healthy.Handle(context.Background(), msg))

	got, err := e.lc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, got.Status)
}

func TestPipelineSkipsJobsThatCannotRun(t *testing.T) {
	e := newEnv(t)
	job, msg := e.submittedJob(t, map[string]string{"a.jpg": "alpha"})
	p, _ := newPipeline(t, e, nil, nil, metrics.New())
	require.NoError(t, p.Handle(context.Background(), msg))

	// duplicate delivery after completion
	require.NoError(t, p.Handle(context.Background(), msg))
	got, err := e.lc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, got.Status)

	ghost := queue.NewMessage("2f0c8a52-4b7e-4a8e-9d59-1f6f4e0e3c77", queue.DefaultRetryPolicy())
	require.NoError(t, p.Handle(context.Background(), ghost))
}

func TestPipelineSharedArea(t *testing.T) {
	e := newEnv(t)
	job, msg := e.submittedJob(t, map[string]string{"a.jpg": "alpha"})
	p, _ := newPipeline(t, e, nil, worker.NewSharedArea(e.files), nil)

	require.NoError(t, p.Handle(context.Background(), msg))
	outputs, err := e.lc.ListOutputs(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
}

func TestSharedAreaWithoutInputs(t *testing.T) {
	files, err := storage.NewFileArea(t.TempDir())
	require.NoError(t, err)
	_, err = worker.NewSharedArea(files).FetchInputs(context.Background(), "2f0c8a52-4b7e-4a8e-9d59-1f6f4e0e3c77", t.TempDir())
	require.Error(t, err)
}

func TestAPIClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	client := worker.NewAPIClient(srv.URL+"/", srv.Client())
	_, err := client.PatchJob(context.Background(), "j1", domain.JobPatch{Progress: domain.ProgressPtr(10)})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, worker.StatusCode(err))
	assert.Contains(t, err.Error(), "upstream down")
	assert.Zero(t, worker.StatusCode(errors.New("plain")))
}

func TestAPIClientSendsPatchBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/jobs/j1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"j1","status":"running","progress":5}`))
	}))
	defer srv.Close()

	job, err := worker.NewAPIClient(srv.URL, srv.Client()).PatchJob(context.Background(), "j1", domain.JobPatch{
		Status:   domain.StatusPtr(domain.JobStatusRunning),
		Progress: domain.ProgressPtr(5),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, map[string]any{"status": "running", "progress": 5.0}, got)
}

type onceConsumer struct {
	mu      sync.Mutex
	calls   int
	handled chan struct{}
}

func (c *onceConsumer) Consume(ctx context.Context, h queue.Handler) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	_ = h(ctx, queue.NewMessage("2f0c8a52-4b7e-4a8e-9d59-1f6f4e0e3c77", queue.DefaultRetryPolicy()))
	c.handled <- struct{}{}
	<-ctx.Done()
	return nil
}

func TestRunStartsOneConsumerPerSlot(t *testing.T) {
	e := newEnv(t)
	p, _ := newPipeline(t, e, nil, nil, nil)
	c := &onceConsumer{handled: make(chan struct{}, 3)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, c, 3) }()

	for i := 0; i < 3; i++ {
		select {
		case <-c.handled:
		case <-time.After(5 * time.Second):
			t.Fatalf("slot %d never consumed", i)
		}
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, c.calls)
}
