package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mapxion/internal/domain"
	"mapxion/internal/queue"
	"mapxion/internal/storage"
)

// memJobs is an in-memory JobRepository with the same guarded-update
// semantics as the SQL stores. beforeUpdate runs inside Update before the
// version check so tests can simulate a concurrent writer. beforeSave runs
// before the lock is taken, so it may call back into the service.
type memJobs struct {
	mu           sync.Mutex
	rows         map[string]domain.Job
	beforeUpdate func(rows map[string]domain.Job)
	beforeSave   func()
	updates      int
}

func newMemJobs() *memJobs {
	return &memJobs{rows: map[string]domain.Job{}}
}

func (m *memJobs) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[job.ID] = *job
	return nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.rows[id]
	if !ok {
		return nil, domain.JobNotFound(id)
	}
	return &job, nil
}

func (m *memJobs) List(_ context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Job{}
	for _, job := range m.rows {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memJobs) Update(_ context.Context, job *domain.Job, expect domain.JobVersion) error {
	if hook := m.beforeSave; hook != nil {
		m.beforeSave = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.beforeUpdate != nil {
		m.beforeUpdate(m.rows)
	}
	current, ok := m.rows[job.ID]
	if !ok {
		return domain.JobNotFound(job.ID)
	}
	if current.Version() != expect {
		return domain.NewError(domain.ErrConflict, domain.CodeStaleJob, "job changed")
	}
	m.rows[job.ID] = *job
	return nil
}

func (m *memJobs) get(t *testing.T, id string) domain.Job {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.rows[id]
	if !ok {
		t.Fatalf("job %s not stored", id)
	}
	return job
}

// fakeQueue records published messages.
type fakeQueue struct {
	mu         sync.Mutex
	ready      bool
	publishErr error
	published  []queue.Message
}

func (q *fakeQueue) Ready() bool { return q.ready }

func (q *fakeQueue) Publish(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, msg)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

// sliceParts is a PartSource over fixed parts.
type sliceParts struct {
	parts []FilePart
	err   error
}

func (s *sliceParts) NextFile() (FilePart, error) {
	if len(s.parts) == 0 {
		if s.err != nil {
			return FilePart{}, s.err
		}
		return FilePart{}, io.EOF
	}
	p := s.parts[0]
	s.parts = s.parts[1:]
	return p, nil
}

func partsOf(names ...string) *sliceParts {
	src := &sliceParts{}
	for _, n := range names {
		src.parts = append(src.parts, FilePart{Name: n, Body: bytes.NewBufferString("data-" + n)})
	}
	return src
}

type fixture struct {
	jobs  *memJobs
	files *storage.FileArea
	queue *fakeQueue
	lc    *Lifecycle
	disp  *Dispatcher
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	files, err := storage.NewFileArea(t.TempDir())
	if err != nil {
		t.Fatalf("file area: %v", err)
	}
	f := &fixture{
		jobs:  newMemJobs(),
		files: files,
		queue: &fakeQueue{ready: true},
		clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.lc = NewLifecycle(f.jobs, files, zerolog.Nop(), nil)
	f.lc.now = func() time.Time { return f.clock }
	f.disp = NewDispatcher(f.lc, f.queue, 0.07, zerolog.Nop(), nil)
	return f
}

func (f *fixture) tick(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) create(t *testing.T) *domain.Job {
	t.Helper()
	job, err := f.lc.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func requireCode(t *testing.T, err error, kind error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("error %v is not of kind %v", err, kind)
	}
	if got := domain.CodeOf(err); got != code {
		t.Fatalf("code = %q, want %q", got, code)
	}
}
