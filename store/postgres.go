package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"c3d/models"
)

var _ JobStore = (*PostgresStore)(nil)

const jobColumns = `job_id, status, source_file_name, source_format, source_location,
	target_format, output_location, error_message, error_code, attempts, lease,
	created_at, updated_at, started_at, completed_at, expires_at`

const schema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	job_id           TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	source_file_name TEXT NOT NULL,
	source_format    TEXT NOT NULL DEFAULT '',
	source_location  TEXT NOT NULL,
	target_format    TEXT NOT NULL,
	output_location  TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	error_code       TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	lease            INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ NOT NULL
);
ALTER TABLE conversion_jobs ADD COLUMN IF NOT EXISTS lease INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS conversion_jobs_expires_at_idx ON conversion_jobs (expires_at);
CREATE INDEX IF NOT EXISTS conversion_jobs_processing_idx ON conversion_jobs (started_at) WHERE status = 'processing';
`

// PostgresStore keeps one conversion_jobs row per job. Transitions are
// UPDATE ... WHERE status = ANY(...) RETURNING, so the status check and
// the write happen in one statement.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// EnsureSchema creates the jobs table and its indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) error {
	query := `INSERT INTO conversion_jobs (` + jobColumns + `)
		VALUES (:job_id, :status, :source_file_name, :source_format, :source_location,
			:target_format, :output_location, :error_message, :error_code, :attempts, :lease,
			:created_at, :updated_at, :started_at, :completed_at, :expires_at)
		ON CONFLICT (job_id) DO NOTHING`

	res, err := s.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return models.NewStorageError("create job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.NewStorageError("create job", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrJobExists, job.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE job_id = $1 AND expires_at > $2`

	var job models.Job
	err := s.db.GetContext(ctx, &job, query, id, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, models.NewStorageError("get job", err)
	}
	return &job, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (*models.Job, error) {
	now := s.now()
	query := `UPDATE conversion_jobs
		SET status = 'processing', attempts = attempts + 1, lease = lease + 1, started_at = $2, updated_at = $2
		WHERE job_id = $1 AND expires_at > $2 AND status = ANY($3)
		RETURNING ` + jobColumns

	return s.transition(ctx, id, "start", 0, query, id, now,
		pq.Array([]string{string(models.StatusPending), string(models.StatusProcessing)}))
}

func (s *PostgresStore) Complete(ctx context.Context, id string, lease int, outputLocation string) (*models.Job, error) {
	now := s.now()
	query := `UPDATE conversion_jobs
		SET status = 'completed', output_location = $2, error_message = '', error_code = '',
			completed_at = CASE WHEN status = 'completed' THEN completed_at ELSE $3 END,
			updated_at = CASE WHEN status = 'completed' THEN updated_at ELSE $3 END
		WHERE job_id = $1 AND expires_at > $3
			AND ((status = 'processing' AND lease = $4) OR (status = 'completed' AND output_location = $2))
		RETURNING ` + jobColumns

	return s.transition(ctx, id, "complete", lease, query, id, outputLocation, now, lease)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, lease int, code, message string) (*models.Job, error) {
	now := s.now()
	query := `UPDATE conversion_jobs
		SET error_code = CASE WHEN status = 'failed' THEN error_code ELSE $2 END,
			error_message = CASE WHEN status = 'failed' THEN error_message ELSE $3 END,
			updated_at = CASE WHEN status = 'failed' THEN updated_at ELSE $4 END,
			status = 'failed', output_location = ''
		WHERE job_id = $1 AND expires_at > $4
			AND (status = 'failed' OR (status = 'processing' AND lease = $5))
		RETURNING ` + jobColumns

	return s.transition(ctx, id, "fail", lease, query, id, code, failureMessage(code, message), now, lease)
}

func (s *PostgresStore) Reset(ctx context.Context, id, targetFormat string) (*models.Job, error) {
	now := s.now()
	query := `UPDATE conversion_jobs
		SET status = 'pending', attempts = 0, output_location = '', error_message = '', error_code = '',
			started_at = NULL, completed_at = NULL,
			target_format = COALESCE(NULLIF($2, ''), target_format), updated_at = $3
		WHERE job_id = $1 AND expires_at > $3 AND status <> 'processing'
		RETURNING ` + jobColumns

	return s.transition(ctx, id, "reset", 0, query, id, targetFormat, now)
}

func (s *PostgresStore) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs
		WHERE status = 'processing' AND started_at < $1 AND expires_at > $2
		ORDER BY started_at
		LIMIT $3`

	var jobs []*models.Job
	if err := s.db.SelectContext(ctx, &jobs, query, startedBefore, s.now(), limit); err != nil {
		return nil, models.NewStorageError("list stale jobs", err)
	}
	return jobs, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversion_jobs WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, models.NewStorageError("delete expired jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, models.NewStorageError("delete expired jobs", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// transition runs a conditional UPDATE ... RETURNING. When no row matched it
// reads the job to tell a missing record from a refused transition. held is
// the caller's lease, only used to report a superseded one.
func (s *PostgresStore) transition(ctx context.Context, id, op string, held int, query string, args ...interface{}) (*models.Job, error) {
	var job models.Job
	err := s.db.GetContext(ctx, &job, query, args...)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewStorageError(op+" job", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == "reset" && current.Status == models.StatusProcessing {
		return nil, fmt.Errorf("%w: job %s", models.ErrConversionInProgress, id)
	}
	if (op == "complete" || op == "fail") && current.Status == models.StatusProcessing {
		return nil, leaseError(id, held, current.Lease, op)
	}
	return nil, transitionError(id, current.Status, op)
}
