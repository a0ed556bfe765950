package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mapxion/internal/domain"
	"mapxion/internal/middleware"
	"mapxion/internal/service"
	"mapxion/internal/storage"
	"mapxion/pkg/zip"
)

// multipartParts adapts a streaming multipart reader to service.PartSource.
// Every file part counts regardless of its field name; plain form values
// are ignored.
type multipartParts struct {
	r *multipart.Reader
}

func (p multipartParts) NextFile() (service.FilePart, error) {
	for {
		part, err := p.r.NextPart()
		if err != nil {
			return service.FilePart{}, err
		}
		name := clientFileName(part)
		if name == "" {
			continue
		}
		return service.FilePart{Name: name, Body: part}, nil
	}
}

// clientFileName returns the filename as sent. part.FileName strips any
// directory, which would make "x/1.jpg" and "y/1.jpg" collide; the storage
// sanitizer turns separators into '_' instead.
func clientFileName(part *multipart.Part) string {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err == nil && params["filename"] != "" {
		return params["filename"]
	}
	return part.FileName()
}

func (a *App) multipartReader(w http.ResponseWriter, r *http.Request) (*multipart.Reader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.Config.MaxUploadBytes())
	return r.MultipartReader()
}

func (a *App) UploadInputs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	mr, err := a.multipartReader(w, r)
	if err != nil {
		a.error(w, http.StatusBadRequest, domain.CodeNoFiles, "expected a multipart/form-data body")
		return
	}
	res, err := a.Lifecycle.AcceptUpload(r.Context(), jobID, multipartParts{r: mr})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}

// UploadOutput stores the part named "file". The worker is the only caller.
func (a *App) UploadOutput(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	mr, err := a.multipartReader(w, r)
	if err != nil {
		a.error(w, http.StatusBadRequest, domain.CodeMissingFile, "expected a multipart/form-data body with a file field")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.fail(w, r, domain.WrapError(domain.ErrValidation, domain.CodeMissingFile, "could not read upload", err))
			return
		}
		name := clientFileName(part)
		if part.FormName() != "file" || name == "" {
			continue
		}
		saved, err := a.Lifecycle.AcceptOutput(r.Context(), jobID, name, part)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.json(w, http.StatusOK, outputSavedResponse{Saved: true, File: toOutputFile(*saved)})
		return
	}
	a.error(w, http.StatusBadRequest, domain.CodeMissingFile, "multipart field \"file\" is required")
}

// ListFiles reads the input region only; unknown jobs list as empty.
func (a *App) ListFiles(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	names, err := a.Lifecycle.ListInputs(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, inputFilesResponse{JobID: jobID, Files: names})
}

func (a *App) ListOutputs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	files, err := a.Lifecycle.ListOutputs(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]outputFile, 0, len(files))
	for _, f := range files {
		out = append(out, toOutputFile(f))
	}
	a.json(w, http.StatusOK, outputFilesResponse{JobID: jobID, Files: out})
}

func (a *App) ServeOutput(w http.ResponseWriter, r *http.Request) {
	jobID, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	f, info, err := a.Lifecycle.Files().OpenOutput(jobID, name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", storage.ContentType(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (a *App) InputArchive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	a.streamArchive(w, r, jobID, domain.RegionInput, fmt.Sprintf("%s-%s-input.zip", a.Config.ArchivePrefix, jobID))
}

func (a *App) DownloadOutputs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	a.streamArchive(w, r, jobID, domain.RegionOutput, fmt.Sprintf("%s-%s.zip", a.Config.ArchivePrefix, jobID))
}

// streamArchive checks the region up front so an empty or missing directory
// still gets a proper 404; once headers are out, failures can only abort
// the stream.
func (a *App) streamArchive(w http.ResponseWriter, r *http.Request, jobID string, region domain.FileRegion, filename string) {
	dir, err := a.Lifecycle.Files().Dir(jobID, region)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := zip.Entries(dir); err != nil {
		if errors.Is(err, zip.ErrNotFound) {
			a.archiveResult(region, "not_found")
			a.error(w, http.StatusNotFound, domain.CodeArchiveNotFound, fmt.Sprintf("no %s files for job %s", region, jobID))
			return
		}
		a.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	if err := zip.StreamDir(r.Context(), w, dir); err != nil {
		a.archiveResult(region, "aborted")
		a.Logger.Warn().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("job_id", jobID).
			Str("region", string(region)).
			Msg("archive stream aborted")
		return
	}
	a.archiveResult(region, "ok")
}

func (a *App) archiveResult(region domain.FileRegion, result string) {
	if a.Metrics != nil {
		a.Metrics.ArchiveStreams.WithLabelValues(string(region), result).Inc()
	}
}
