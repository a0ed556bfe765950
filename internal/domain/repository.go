package domain

import "context"

// JobRepository defines persistence for job entities.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	// Update writes every mutable field of job, but only while the stored
	// status and updated_at still equal expect. It returns ErrConflict
	// otherwise and ErrNotFound when the row is gone.
	Update(ctx context.Context, job *Job, expect JobVersion) error
}
