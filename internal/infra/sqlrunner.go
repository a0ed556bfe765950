package infra

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mapxion/internal/metrics"
)

// SQLExecutor is the query surface the Postgres job store runs on.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// pgxQuerier is the part of *pgxpool.Pool the runner drives.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var markerRegexp = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

var errUnmarkedQuery = errors.New("sql: audit marker missing or invalid")

// SQLRunner refuses statements without a `--sql <uuid>` first line. The
// marker is stripped before the statement reaches Postgres; it labels the
// debug log line and the store metrics instead.
type SQLRunner struct {
	db      pgxQuerier
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewSQLRunner wraps pool. m may be nil.
func NewSQLRunner(pool *pgxpool.Pool, logger zerolog.Logger, m *metrics.Metrics) *SQLRunner {
	return newSQLRunner(pool, logger, m)
}

func newSQLRunner(db pgxQuerier, logger zerolog.Logger, m *metrics.Metrics) *SQLRunner {
	return &SQLRunner{db: db, logger: logger.With().Str("component", "sql").Logger(), metrics: m}
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, stmt, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := r.db.Exec(ctx, stmt, args...)
	r.finish(marker, "exec", start, err)
	if err == nil {
		r.logger.Debug().Str("sql", marker).Int64("rows", tag.RowsAffected()).Msg("exec")
	}
	return tag, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, stmt, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	return &timedRow{row: r.db.QueryRow(ctx, stmt, args...), runner: r, marker: marker, start: time.Now()}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, stmt, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		r.finish(marker, "query", start, err)
		return nil, err
	}
	return &timedRows{Rows: rows, runner: r, marker: marker, start: start}, nil
}

// finish logs failures and records the statement. pgx.ErrNoRows is an
// answer, not a failure.
func (r *SQLRunner) finish(marker, op string, start time.Time, err error) {
	took := time.Since(start)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		result = "no_rows"
	default:
		result = "error"
		r.logger.Error().Err(err).Str("sql", marker).Str("op", op).Dur("took", took).Msg("statement failed")
	}
	r.metrics.ObserveQuery(marker, result, took)
}

type timedRow struct {
	row    pgx.Row
	runner *SQLRunner
	marker string
	start  time.Time
}

func (t *timedRow) Scan(dest ...any) error {
	err := t.row.Scan(dest...)
	t.runner.finish(t.marker, "query_row", t.start, err)
	return err
}

type timedRows struct {
	pgx.Rows
	runner *SQLRunner
	marker string
	start  time.Time
	closed bool
}

func (t *timedRows) Close() {
	t.Rows.Close()
	if t.closed {
		return
	}
	t.closed = true
	t.runner.finish(t.marker, "query", t.start, t.Rows.Err())
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(...any) error {
	return e.err
}

// extractMarker splits a query into its marker id and the statement body.
func extractMarker(query string) (string, string, error) {
	first, rest, _ := strings.Cut(strings.TrimSpace(query), "\n")
	m := markerRegexp.FindStringSubmatch(strings.TrimSpace(first))
	if m == nil {
		return "", "", fmt.Errorf("%w: %.40q", errUnmarkedQuery, first)
	}
	if strings.TrimSpace(rest) == "" {
		return "", "", fmt.Errorf("sql: marker %s has no statement", m[1])
	}
	return m[1], rest, nil
}

var _ SQLExecutor = (*SQLRunner)(nil)
