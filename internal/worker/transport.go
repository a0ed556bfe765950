package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mapxion/internal/domain"
	"mapxion/internal/storage"
)

// Reporter applies status updates to a job.
type Reporter interface {
	PatchJob(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error)
}

// Transport moves a job's files between the API side and the worker's
// scratch directory.
type Transport interface {
	FetchInputs(ctx context.Context, jobID, dir string) ([]string, error)
	PutOutput(ctx context.Context, jobID, name, path string) error
}

var errNoInputs = errors.New("job has no input files")

// SharedArea reads and writes the API's file area directly, for workers
// that mount the same data root.
type SharedArea struct {
	files *storage.FileArea
}

func NewSharedArea(files *storage.FileArea) *SharedArea {
	return &SharedArea{files: files}
}

func (s *SharedArea) FetchInputs(ctx context.Context, jobID, dir string) ([]string, error) {
	names, err := s.files.ListInputs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errNoInputs
	}
	src, err := s.files.Dir(jobID, domain.RegionInput)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure input dir: %w", err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := copyFile(filepath.Join(src, name), filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (s *SharedArea) PutOutput(ctx context.Context, jobID, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	_, err = s.files.SaveOutput(ctx, jobID, name, f)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open input %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
