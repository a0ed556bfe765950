package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"mapxion/internal/domain"
)

const (
	jobsDir   = "jobs"
	inputDir  = "input"
	outputDir = "output"

	maxNameLength = 200
)

// imageExtensions is the allow-list for the input region.
var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
	".heic": {},
	".heif": {},
	".dng":  {},
}

// FileArea owns the per-job directory layout rooted at
// <root>/jobs/<id>/{input,output}. Directories are created lazily and are not
// transactional with the job row.
type FileArea struct {
	root string
}

// NewFileArea initializes a FileArea rooted at dataRoot.
func NewFileArea(dataRoot string) (*FileArea, error) {
	dataRoot = strings.TrimSpace(dataRoot)
	if dataRoot == "" {
		return nil, errors.New("storage: data root is required")
	}
	if !filepath.IsAbs(dataRoot) {
		if abs, err := filepath.Abs(dataRoot); err == nil {
			dataRoot = abs
		}
	}
	if err := os.MkdirAll(filepath.Join(dataRoot, jobsDir), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure data root: %w", err)
	}
	return &FileArea{root: dataRoot}, nil
}

// Root returns the configured data root.
func (a *FileArea) Root() string {
	if a == nil {
		return ""
	}
	return a.root
}

// JobDir returns <root>/jobs/<id>. Ids must be UUIDs so they can never
// escape the jobs directory.
func (a *FileArea) JobDir(jobID string) (string, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", domain.JobNotFound(jobID)
	}
	return filepath.Join(a.root, jobsDir, jobID), nil
}

// Dir returns the directory of one region of a job.
func (a *FileArea) Dir(jobID string, region domain.FileRegion) (string, error) {
	base, err := a.JobDir(jobID)
	if err != nil {
		return "", err
	}
	switch region {
	case domain.RegionInput:
		return filepath.Join(base, inputDir), nil
	case domain.RegionOutput:
		return filepath.Join(base, outputDir), nil
	}
	return "", fmt.Errorf("storage: unknown region %q", region)
}

// Ensure idempotently creates both regions of a job.
func (a *FileArea) Ensure(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, region := range []domain.FileRegion{domain.RegionInput, domain.RegionOutput} {
		dir, err := a.Dir(jobID, region)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: ensure %s dir: %w", region, err)
		}
	}
	return nil
}

// ListInputs returns the image files of the input region, sorted
// lexicographically. A missing region yields an empty list.
func (a *FileArea) ListInputs(ctx context.Context, jobID string) ([]string, error) {
	files, err := a.list(ctx, jobID, domain.RegionInput)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if IsImageName(f.Name) {
			names = append(names, f.Name)
		}
	}
	return names, nil
}

// ListOutputs returns every regular file of the output region.
func (a *FileArea) ListOutputs(ctx context.Context, jobID string) ([]domain.StoredFile, error) {
	return a.list(ctx, jobID, domain.RegionOutput)
}

func (a *FileArea) list(ctx context.Context, jobID string, region domain.FileRegion) ([]domain.StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := a.Dir(jobID, region)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.StoredFile{}, nil
		}
		return nil, fmt.Errorf("storage: read %s dir: %w", region, err)
	}
	files := make([]domain.StoredFile, 0, len(entries))
	for _, entry := range entries {
		// temp uploads and hidden files never reach the archive
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, domain.StoredFile{
			JobID:      jobID,
			Region:     region,
			Name:       entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// SaveInput writes one client file into the input region. Non-image names
// are rejected with ok=false and nothing is written.
func (a *FileArea) SaveInput(ctx context.Context, jobID, name string, r io.Reader) (domain.StoredFile, bool, error) {
	clean := SanitizeFilename(name)
	if !IsImageName(clean) {
		return domain.StoredFile{}, false, nil
	}
	saved, err := a.write(ctx, jobID, domain.RegionInput, clean, r)
	return saved, err == nil, err
}

// SaveOutput writes one worker artifact into the output region. It is not
// subject to the upload lock.
func (a *FileArea) SaveOutput(ctx context.Context, jobID, name string, r io.Reader) (domain.StoredFile, error) {
	return a.write(ctx, jobID, domain.RegionOutput, SanitizeFilename(name), r)
}

// OpenOutput opens a single output file for reading.
func (a *FileArea) OpenOutput(jobID, name string) (*os.File, os.FileInfo, error) {
	dir, err := a.Dir(jobID, domain.RegionOutput)
	if err != nil {
		return nil, nil, err
	}
	clean := SanitizeFilename(name)
	if clean != name {
		return nil, nil, domain.NewError(domain.ErrNotFound, domain.CodeFileNotFound, "output file not found")
	}
	f, err := os.Open(filepath.Join(dir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, domain.NewError(domain.ErrNotFound, domain.CodeFileNotFound, "output file not found")
		}
		return nil, nil, fmt.Errorf("storage: open output: %w", err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, domain.NewError(domain.ErrNotFound, domain.CodeFileNotFound, "output file not found")
	}
	return f, info, nil
}

// write streams r into a temp file next to the target and renames it in
// place, so readers never observe a partial file. Same-name writes are
// last-write-wins.
func (a *FileArea) write(ctx context.Context, jobID string, region domain.FileRegion, name string, r io.Reader) (domain.StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return domain.StoredFile{}, err
	}
	dir, err := a.Dir(jobID, region)
	if err != nil {
		return domain.StoredFile{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.StoredFile{}, fmt.Errorf("storage: ensure directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return domain.StoredFile{}, fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	written, copyErr := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr == nil {
			copyErr = closeErr
		}
		return domain.StoredFile{}, fmt.Errorf("storage: write file: %w", copyErr)
	}
	target := filepath.Join(dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return domain.StoredFile{}, fmt.Errorf("storage: move file into place: %w", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return domain.StoredFile{}, fmt.Errorf("storage: stat file: %w", err)
	}
	return domain.StoredFile{
		JobID:      jobID,
		Region:     region,
		Name:       name,
		Size:       written,
		ModifiedAt: info.ModTime().UTC(),
	}, nil
}

const tempPrefix = ".upload-"

// SanitizeFilename replaces every character outside [A-Za-z0-9._()\- ] with
// '_'. Path separators are replaced too, so "a/b.jpg" becomes "a_b.jpg". A
// leading '.' becomes '_' so no stored file is hidden from listings.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if isSafeRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	clean := strings.TrimSpace(b.String())
	if len(clean) > maxNameLength {
		ext := filepath.Ext(clean)
		if len(ext) > 16 {
			ext = ""
		}
		clean = clean[:maxNameLength-len(ext)] + ext
	}
	switch {
	case clean == "", strings.Trim(clean, ".") == "":
		return "file"
	case strings.HasPrefix(clean, "."):
		return "_" + clean[1:]
	}
	return clean
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '.', '_', '(', ')', '-', ' ':
		return true
	}
	return false
}

// IsImageName reports whether name carries an allow-listed image extension.
func IsImageName(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
