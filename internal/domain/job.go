package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusCreated JobStatus = "created"
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusCreated, JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a run.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// IsLocked reports whether new input uploads must be rejected in status s.
func IsLocked(s JobStatus) bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone:
		return true
	}
	return false
}

// transitions lists the statuses reachable from each state. Staying in the
// same state is always allowed and is not listed. failed -> running covers
// queue redelivery after a failed attempt.
var transitions = map[JobStatus][]JobStatus{
	JobStatusCreated: {JobStatusQueued, JobStatusFailed},
	JobStatusQueued:  {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusDone, JobStatusFailed},
	JobStatusFailed:  {JobStatusQueued, JobStatusRunning},
	JobStatusDone:    {},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the persisted unit of client-requested work.
type Job struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	PhotosCount int        `json:"photos_count"`
	Price       float64    `json:"price"`
	Progress    int        `json:"progress"`
	Message     *string    `json:"message"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

// JobVersion is the stored state a writer read before computing its update.
// Every write advances UpdatedAt, so two writers holding the same version
// cannot both succeed.
type JobVersion struct {
	Status    JobStatus
	UpdatedAt time.Time
}

// Version returns the guard for a write based on j.
func (j *Job) Version() JobVersion {
	return JobVersion{Status: j.Status, UpdatedAt: j.UpdatedAt}
}

// JobPatch is the partial update accepted by the status-update contract.
// Nil fields are left unchanged.
type JobPatch struct {
	Status   *JobStatus `json:"status,omitempty"`
	Progress *Progress  `json:"progress,omitempty"`
	Message  *string    `json:"message,omitempty"`
	Error    *string    `json:"error,omitempty"`
}

// Empty reports whether the patch carries no field at all.
func (p JobPatch) Empty() bool {
	return p.Status == nil && p.Progress == nil && p.Message == nil && p.Error == nil
}

// Validate checks the patch without looking at the stored job.
func (p JobPatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return NewError(ErrValidation, "invalid_status", fmt.Sprintf("unknown status %q", *p.Status))
	}
	if p.Progress != nil {
		v := float64(*p.Progress)
		if math.IsNaN(v) || v < 0 || v > 100 {
			return NewError(ErrValidation, "invalid_progress", "progress must be a number between 0 and 100")
		}
	}
	return nil
}

// Progress is a percentage in [0,100]. It decodes from a JSON number or a
// numeric string.
type Progress float64

func (p *Progress) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		// keep the value out of range so Validate reports it
		*p = Progress(math.NaN())
		return nil
	}
	*p = Progress(v)
	return nil
}

func (p Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(p))
}

// Int rounds the progress to the stored integer form.
func (p Progress) Int() int {
	return int(math.Round(float64(p)))
}

// Ptr helpers used by callers building patches.
func StatusPtr(s JobStatus) *JobStatus { return &s }
func ProgressPtr(v int) *Progress      { p := Progress(v); return &p }
func StringPtr(s string) *string       { return &s }

// ListFilter narrows ListJobs results.
type ListFilter struct {
	Status JobStatus
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Normalize clamps the limit into the supported range.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}
