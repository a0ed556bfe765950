package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"mapxion/internal/domain"
	"mapxion/internal/sqlinline"
)

// JobRepositorySQLite implements domain.JobRepository on an embedded SQLite
// database. It serves single-node deployments (DATABASE_URL=sqlite:<path>).
type JobRepositorySQLite struct {
	db *sqlx.DB
}

// OpenSQLite opens path (":memory:" for tests) and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*JobRepositorySQLite, error) {
	path = strings.TrimPrefix(path, "sqlite:")
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps the guarded updates serialised and an in-memory
	// database alive across calls
	db.SetMaxOpenConns(1)

	repo := &JobRepositorySQLite{db: db}
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Migrate creates the jobs table when missing.
func (r *JobRepositorySQLite) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqlinline.QSQLiteCreateJobsTable); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (r *JobRepositorySQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *JobRepositorySQLite) Close() error {
	return r.db.Close()
}

type sqliteJobRow struct {
	ID          string         `db:"id"`
	Status      string         `db:"status"`
	PhotosCount int            `db:"photos_count"`
	Price       float64        `db:"price"`
	Progress    int            `db:"progress"`
	Message     sql.NullString `db:"message"`
	Error       sql.NullString `db:"error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	FinishedAt  sql.NullTime   `db:"finished_at"`
}

func toSQLiteRow(job *domain.Job) sqliteJobRow {
	row := sqliteJobRow{
		ID:          job.ID,
		Status:      string(job.Status),
		PhotosCount: job.PhotosCount,
		Price:       job.Price,
		Progress:    job.Progress,
		CreatedAt:   job.CreatedAt.UTC(),
		UpdatedAt:   job.UpdatedAt.UTC(),
	}
	if job.Message != nil {
		row.Message = sql.NullString{String: *job.Message, Valid: true}
	}
	if job.Error != nil {
		row.Error = sql.NullString{String: *job.Error, Valid: true}
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: job.StartedAt.UTC(), Valid: true}
	}
	if job.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: job.FinishedAt.UTC(), Valid: true}
	}
	return row
}

func (row sqliteJobRow) toDomain() domain.Job {
	job := domain.Job{
		ID:          row.ID,
		Status:      domain.JobStatus(row.Status),
		PhotosCount: row.PhotosCount,
		Price:       row.Price,
		Progress:    row.Progress,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
	if row.Message.Valid {
		job.Message = &row.Message.String
	}
	if row.Error.Valid {
		job.Error = &row.Error.String
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time.UTC()
		job.StartedAt = &t
	}
	if row.FinishedAt.Valid {
		t := row.FinishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	return job
}

// Create inserts a new job record.
func (r *JobRepositorySQLite) Create(ctx context.Context, job *domain.Job) error {
	if _, err := r.db.NamedExecContext(ctx, sqlinline.QSQLiteInsertJob, toSQLiteRow(job)); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositorySQLite) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var row sqliteJobRow
	if err := r.db.GetContext(ctx, &row, sqlinline.QSQLiteSelectJobByID, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.JobNotFound(jobID)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	job := row.toDomain()
	return &job, nil
}

// List returns the newest jobs first.
func (r *JobRepositorySQLite) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	query, args, err := listQuery(filter, sq.Question)
	if err != nil {
		return nil, err
	}
	var rows []sqliteJobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

// Update writes job back while the stored row still matches expect.
func (r *JobRepositorySQLite) Update(ctx context.Context, job *domain.Job, expect domain.JobVersion) error {
	row := toSQLiteRow(job)
	params := map[string]any{
		"id":                row.ID,
		"expect":            string(expect.Status),
		"expect_updated_at": expect.UpdatedAt.UTC(),
		"status":            row.Status,
		"photos_count":      row.PhotosCount,
		"price":             row.Price,
		"progress":          row.Progress,
		"message":           row.Message,
		"error":             row.Error,
		"updated_at":        row.UpdatedAt,
		"started_at":        row.StartedAt,
		"finished_at":       row.FinishedAt,
	}
	res, err := r.db.NamedExecContext(ctx, sqlinline.QSQLiteUpdateJobGuarded, params)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, sqlinline.QSQLiteJobExists, job.ID); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return domain.JobNotFound(job.ID)
	}
	return staleJob(job.ID, expect)
}

var _ domain.JobRepository = (*JobRepositorySQLite)(nil)
