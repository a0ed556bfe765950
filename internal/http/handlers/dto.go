package handlers

import (
	"time"

	"mapxion/internal/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type healthResponse struct {
	OK         bool `json:"ok"`
	QueueReady bool `json:"queue_ready"`
}

type versionResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// patchJobRequest is the body of PATCH /jobs/{id}. Absent fields leave the
// stored value unchanged.
type patchJobRequest struct {
	Status   *string          `json:"status"`
	Progress *domain.Progress `json:"progress"`
	Message  *string          `json:"message"`
	Error    *string          `json:"error"`
}

func (p patchJobRequest) toPatch() domain.JobPatch {
	patch := domain.JobPatch{
		Progress: p.Progress,
		Message:  p.Message,
		Error:    p.Error,
	}
	if p.Status != nil {
		patch.Status = domain.StatusPtr(domain.JobStatus(*p.Status))
	}
	return patch
}

type inputFilesResponse struct {
	JobID string   `json:"job_id"`
	Files []string `json:"files"`
}

type outputFile struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

type outputFilesResponse struct {
	JobID string       `json:"job_id"`
	Files []outputFile `json:"files"`
}

type outputSavedResponse struct {
	Saved bool       `json:"saved"`
	File  outputFile `json:"file"`
}

func toOutputFile(f domain.StoredFile) outputFile {
	return outputFile{
		Name:       f.Name,
		Size:       f.Size,
		ModifiedAt: f.ModifiedAt.Format(time.RFC3339),
	}
}
