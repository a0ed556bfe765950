// Package zip builds flat deflate archives of a directory, either straight
// into a stream or into a file on disk.
package zip

import (
	"archive/zip"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a directory is missing or holds no files.
var ErrNotFound = errors.New("zip: nothing to archive")

// Entries lists the regular files directly inside dir, sorted by name.
// Hidden files (dot-prefixed) are skipped.
func Entries(dir string) ([]string, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("zip: read dir: %w", err)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.Type().IsRegular() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	sort.Strings(names)
	return names, nil
}

// StreamDir writes a zip of the files directly inside dir to w without
// buffering the archive. It stops as soon as ctx is done.
func StreamDir(ctx context.Context, w io.Writer, dir string) error {
	names, err := Entries(dir)
	if err != nil {
		return err
	}
	return writeArchive(ctx, w, dir, names)
}

// WriteDirFile writes the same archive StreamDir would produce into dest.
// dest is written through a temp file and renamed into place.
func WriteDirFile(ctx context.Context, dir, dest string) error {
	names, err := Entries(dir)
	if err != nil {
		return err
	}
	skip := filepath.Base(dest)
	filtered := names[:0]
	for _, name := range names {
		if name != skip {
			filtered = append(filtered, name)
		}
	}
	if len(filtered) == 0 {
		return ErrNotFound
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("zip: ensure dest dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".zip-*")
	if err != nil {
		return fmt.Errorf("zip: create temp: %w", err)
	}
	tmpName := tmp.Name()
	writeErr := writeArchive(ctx, tmp, dir, filtered)
	closeErr := tmp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return writeErr
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("zip: move archive into place: %w", err)
	}
	return nil
}

func writeArchive(ctx context.Context, w io.Writer, dir string, names []string) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(ctx, zw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip: finalize archive: %w", err)
	}
	return nil
}

func addFile(ctx context.Context, zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// removed between listing and archiving
			return nil
		}
		return fmt.Errorf("zip: open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("zip: stat %s: %w", name, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip: header %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip: create entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, &ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("zip: copy %s: %w", name, err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Extract unpacks a flat archive read from r into dir. Entry names are
// reduced to their base name; directories are ignored. It returns the names
// written, in archive order.
func Extract(ctx context.Context, r io.ReaderAt, size int64, dir string, sanitize func(string) string) ([]string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("zip: open archive: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("zip: ensure dir: %w", err)
	}
	var names []string
	for _, file := range zr.File {
		if err := ctx.Err(); err != nil {
			return names, err
		}
		if file.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(filepath.FromSlash(file.Name))
		if sanitize != nil {
			name = sanitize(name)
		}
		if err := extractOne(ctx, file, filepath.Join(dir, name)); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

func extractOne(ctx context.Context, file *zip.File, dest string) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("zip: open entry %s: %w", file.Name, err)
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("zip: create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = out.Close()
		return fmt.Errorf("zip: extract %s: %w", file.Name, err)
	}
	return out.Close()
}
