package repo

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"mapxion/internal/domain"
	"mapxion/internal/infra"
	"mapxion/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a job repository over a marker-enforcing runner.
func NewJobRepository(exec infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: exec}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.Status,
		job.PhotosCount,
		job.Price,
		job.Progress,
		job.Message,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.JobNotFound(jobID)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// List returns the newest jobs first.
func (r *JobRepositoryPG) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	query, args, err := listQuery(filter, sq.Dollar)
	if err != nil {
		return nil, err
	}
	rows, err := r.sql.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Update writes job back while the stored row still matches expect.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job, expect domain.JobVersion) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateJobGuarded,
		job.ID,
		expect.Status,
		job.Status,
		job.PhotosCount,
		job.Price,
		job.Progress,
		job.Message,
		job.Error,
		job.UpdatedAt,
		job.StartedAt,
		job.FinishedAt,
		expect.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.sql.QueryRow(ctx, sqlinline.QJobExists, job.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return domain.JobNotFound(job.ID)
	}
	return staleJob(job.ID, expect)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.PhotosCount,
		&job.Price,
		&job.Progress,
		&job.Message,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

// listQuery builds the list statement for either placeholder style.
func listQuery(filter domain.ListFilter, format sq.PlaceholderFormat) (string, []any, error) {
	filter = filter.Normalize()
	columns := sqlinline.JobColumns
	if format == sq.Dollar {
		columns = append([]string{"id::text"}, sqlinline.JobColumns[1:]...)
	}
	builder := sq.StatementBuilder.PlaceholderFormat(format).
		Select(columns...).
		Prefix(sqlinline.MListJobs+"\n").
		From("jobs").
		OrderBy("created_at desc", "id desc").
		Limit(uint64(filter.Limit))
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build list query: %w", err)
	}
	return query, args, nil
}

func staleJob(jobID string, expect domain.JobVersion) error {
	return domain.NewError(domain.ErrConflict, domain.CodeStaleJob,
		fmt.Sprintf("job %s changed since it was read as %s", jobID, expect.Status))
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
