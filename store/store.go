package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	xerrors "github.com/PCThomas7/video-transcoder/errors"
)

// JobStore persists jobs in Postgres. Every mutation touches a single row,
// relying on per-record updates rather than transactions across jobs.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const schema = `
create table if not exists transcode_jobs (
	job_id            text primary key,
	original_filename text not null default '',
	original_size     bigint not null default 0,
	mime_type         text not null default '',
	raw_object_key    text not null default '',
	output_prefix     text not null default '',
	status            text not null,
	stage             text not null,
	progress          int not null default 0,
	per_resolution    jsonb not null default '{}',
	attempts          int not null default 0,
	max_attempts      int not null default 3,
	hls_master_url    text not null default '',
	error_message     text not null default '',
	error_detail      text not null default '',
	error_at          timestamptz,
	correlation_id    text not null default '',
	created_at        timestamptz not null default now(),
	queued_at         timestamptz,
	started_at        timestamptz,
	completed_at      timestamptz,
	failed_at         timestamptz
);
create index if not exists transcode_jobs_status_idx on transcode_jobs (status, created_at desc);
`

func (s *JobStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const jobColumns = `job_id, original_filename, original_size, mime_type, raw_object_key, output_prefix,
	status, stage, progress, per_resolution, attempts, max_attempts, hls_master_url,
	error_message, error_detail, error_at, correlation_id,
	created_at, queued_at, started_at, completed_at, failed_at`

func (s *JobStore) Create(ctx context.Context, job *Job) error {
	perRes, err := json.Marshal(orEmpty(job.PerResolution))
	if err != nil {
		return fmt.Errorf("failed to marshal per_resolution: %w", err)
	}
	var errMsg, errDetail string
	var errAt interface{}
	if job.Error != nil {
		errMsg, errDetail, errAt = job.Error.Message, job.Error.Detail, job.Error.OccurredAt
	}
	_, err = s.db.ExecContext(ctx, `insert into transcode_jobs (`+jobColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		job.JobID, job.OriginalFilename, job.OriginalSize, job.MimeType, job.RawObjectKey, job.OutputPrefix,
		job.Status, job.Stage, job.Progress, perRes, job.Attempts, job.MaxAttempts, job.HLSMasterURL,
		errMsg, errDetail, errAt, job.CorrelationID,
		job.CreatedAt, job.QueuedAt, job.StartedAt, job.CompletedAt, job.FailedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("job %q already exists: %w", job.JobID, xerrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from transcode_jobs where job_id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %q: %w", jobID, xerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Update applies patch to a single job. When expectedStatus is given the
// update only happens while the job still has that status; a zero-row
// result then surfaces as a Precondition failure so schedulers replaying
// stale events cannot clobber terminal states.
func (s *JobStore) Update(ctx context.Context, jobID string, patch Patch, expectedStatus ...Status) (*Job, error) {
	set := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		set = append(set, "status = "+arg(*patch.Status))
	}
	if patch.Progress != nil {
		// progress is monotonic within a stage
		set = append(set, "progress = greatest(progress, "+arg(*patch.Progress)+")")
	}
	if patch.PerResolution != nil {
		perRes, err := json.Marshal(patch.PerResolution)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal per_resolution: %w", err)
		}
		set = append(set, "per_resolution = per_resolution || "+arg(perRes)+"::jsonb")
	}
	if patch.IncrementAttempts {
		set = append(set, "attempts = attempts + 1")
	}
	if patch.HLSMasterURL != nil {
		set = append(set, "hls_master_url = "+arg(*patch.HLSMasterURL))
	}
	if patch.Error != nil {
		set = append(set, "error_message = "+arg(patch.Error.Message))
		set = append(set, "error_detail = "+arg(patch.Error.Detail))
		set = append(set, "error_at = "+arg(patch.Error.OccurredAt))
	} else if patch.ClearError {
		set = append(set, "error_message = ''", "error_detail = ''", "error_at = null")
	}
	if patch.QueuedAt != nil {
		set = append(set, "queued_at = "+arg(*patch.QueuedAt))
	}
	if patch.StartedAt != nil {
		set = append(set, "started_at = "+arg(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		set = append(set, "completed_at = "+arg(*patch.CompletedAt))
	}
	if patch.FailedAt != nil {
		set = append(set, "failed_at = "+arg(*patch.FailedAt))
	}
	if len(set) == 0 {
		return s.Get(ctx, jobID)
	}

	where := "job_id = " + arg(jobID)
	if len(expectedStatus) > 0 {
		placeholders := make([]string, len(expectedStatus))
		for i, st := range expectedStatus {
			placeholders[i] = arg(st)
		}
		where += " and status in (" + strings.Join(placeholders, ",") + ")"
	}

	query := "update transcode_jobs set " + strings.Join(set, ", ") + " where " + where + " returning " + jobColumns
	row := s.db.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		// Distinguish a missing job from a failed precondition
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("job %q is not in the expected status: %w", jobID, xerrors.ErrPrecondition)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return job, nil
}

// List returns jobs newest-first together with the total count matching the
// filter.
func (s *JobStore) List(ctx context.Context, filter Filter) ([]*Job, int, error) {
	where := ""
	args := []interface{}{}
	if filter.Status != nil {
		where = "where status = $1"
		args = append(args, *filter.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "select count(*) from transcode_jobs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf("select "+jobColumns+" from transcode_jobs %s order by created_at desc, job_id limit $%d offset $%d",
		where, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *JobStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `select status, count(*) from transcode_jobs group by status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Delete removes a job record. Processing jobs are refused: their worker
// still updates the row and would silently resurrect it.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `delete from transcode_jobs where job_id = $1 and status <> $2`, jobID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("job %q is processing: %w", jobID, xerrors.ErrConflict)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var perRes []byte
	var errMsg, errDetail string
	var errAt sql.NullTime
	var queuedAt, startedAt, completedAt, failedAt sql.NullTime
	err := row.Scan(
		&job.JobID, &job.OriginalFilename, &job.OriginalSize, &job.MimeType, &job.RawObjectKey, &job.OutputPrefix,
		&job.Status, &job.Stage, &job.Progress, &perRes, &job.Attempts, &job.MaxAttempts, &job.HLSMasterURL,
		&errMsg, &errDetail, &errAt, &job.CorrelationID,
		&job.CreatedAt, &queuedAt, &startedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(perRes) > 0 {
		if err := json.Unmarshal(perRes, &job.PerResolution); err != nil {
			return nil, fmt.Errorf("failed to unmarshal per_resolution: %w", err)
		}
	}
	if errMsg != "" {
		job.Error = &JobError{Message: errMsg, Detail: errDetail}
		if errAt.Valid {
			job.Error.OccurredAt = errAt.Time
		}
	}
	job.QueuedAt = timePtr(queuedAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.FailedAt = timePtr(failedAt)
	return &job, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func orEmpty(m map[string]ResolutionState) map[string]ResolutionState {
	if m == nil {
		return map[string]ResolutionState{}
	}
	return m
}
