package domain

import "time"

// FileRegion names one half of a job's file area.
type FileRegion string

const (
	RegionInput  FileRegion = "input"
	RegionOutput FileRegion = "output"
)

// StoredFile describes a file persisted in a job's file area.
type StoredFile struct {
	JobID      string     `json:"job_id"`
	Region     FileRegion `json:"region"`
	Name       string     `json:"name"`
	Size       int64      `json:"size"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// UploadResult summarises one input upload request.
type UploadResult struct {
	Count   int      `json:"count"`
	Files   []string `json:"files"`
	Skipped []string `json:"skipped"`
}

// SubmitResult is returned by a successful dispatch.
type SubmitResult struct {
	Enqueued bool    `json:"enqueued"`
	Inputs   int     `json:"inputs"`
	Price    float64 `json:"price"`
	Job      *Job    `json:"job"`
}
