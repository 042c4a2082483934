package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Job statuses. Completed, failed and cancelled are terminal.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusRetrying  = "retrying"
)

// ErrActiveJobExists is returned when a document already has a non-terminal
// job; at most one pipeline run per document may be active.
var ErrActiveJobExists = errors.New("document already has an active job")

// JobRecord tracks one asynchronous processing run for a document.
type JobRecord struct {
	ID           string
	DocumentID   string
	OwnerID      string
	Stage        string
	Status       string
	Progress     int
	ErrorMessage string
	RetryCount   int
	MaxRetries   int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsTerminal reports whether the job has finished, successfully or not.
func (j JobRecord) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanRetry reports whether a failed job still has retry budget.
func (j JobRecord) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// CreateJob inserts a pending job for the document unless a non-terminal job
// already exists, in which case ErrActiveJobExists is returned. The guard is
// enforced in a single statement so concurrent submissions cannot both win.
func (s *Store) CreateJob(ctx context.Context, documentID, ownerID string, maxRetries int) (string, error) {
	if documentID == "" {
		return "", fmt.Errorf("document_id required")
	}
	if ownerID == "" {
		return "", fmt.Errorf("owner_id required")
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO processing_jobs (document_id, owner_id, stage, status, progress, retry_count, max_retries, created_at, updated_at)
SELECT $1, $2, $3, $4, 0, 0, $5, NOW(), NOW()
WHERE NOT EXISTS (
  SELECT 1 FROM processing_jobs WHERE document_id=$1 AND status IN ($6,$7,$8)
)
RETURNING id
`, documentID, ownerID, DocumentStatusPending, JobStatusPending, maxRetries, JobStatusPending, JobStatusRunning, JobStatusRetrying).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrActiveJobExists
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", ErrActiveJobExists
		}
		return "", err
	}
	return id, nil
}

const jobColumns = `id, document_id, owner_id, stage, status, progress, COALESCE(error_message, ''), retry_count, max_retries, started_at, completed_at, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (JobRecord, error) {
	var (
		rec         JobRecord
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.DocumentID, &rec.OwnerID, &rec.Stage, &rec.Status, &rec.Progress, &rec.ErrorMessage, &rec.RetryCount, &rec.MaxRetries, &startedAt, &completedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// GetJob fetches one job scoped to its owner.
func (s *Store) GetJob(ctx context.Context, id, ownerID string) (JobRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id=$1 AND owner_id=$2`, id, ownerID)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return rec, true, nil
}

// GetJobByID fetches one job without owner scoping; used by the worker.
func (s *Store) GetJobByID(ctx context.Context, id string) (JobRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id=$1`, id)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return rec, true, nil
}

// GetActiveJobForDocument returns the document's non-terminal job, if any.
func (s *Store) GetActiveJobForDocument(ctx context.Context, documentID string) (JobRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM processing_jobs
WHERE document_id=$1 AND status IN ($2,$3,$4)
ORDER BY created_at DESC
LIMIT 1
`, documentID, JobStatusPending, JobStatusRunning, JobStatusRetrying)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return rec, true, nil
}

// UpdateJobState records a stage transition. Progress is monotonically
// non-decreasing; a failure keeps the last progress value. Timestamps are
// stamped on first start and on reaching a terminal status. Terminal jobs
// are never updated, so a run racing a cancellation cannot resurrect the job.
func (s *Store) UpdateJobState(ctx context.Context, id, stage, status string, progress int, errorMessage string) error {
	if id == "" {
		return fmt.Errorf("job id required")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE processing_jobs SET
  stage = $2,
  status = $3,
  progress = GREATEST(progress, $4),
  error_message = NULLIF($5, ''),
  started_at = CASE WHEN started_at IS NULL AND $3 IN ($6,$7) THEN NOW() ELSE started_at END,
  completed_at = CASE WHEN $3 IN ($8,$9,$10) THEN NOW() ELSE completed_at END,
  updated_at = NOW()
WHERE id=$1 AND status NOT IN ($8,$9,$10)
`, id, stage, status, progress, errorMessage, JobStatusRunning, JobStatusRetrying, JobStatusCompleted, JobStatusFailed, JobStatusCancelled)
	return err
}

// IncrementJobRetry bumps the retry counter, marks the job retrying and
// returns the new count.
func (s *Store) IncrementJobRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
UPDATE processing_jobs SET retry_count = retry_count + 1, status = $2, updated_at = NOW()
WHERE id=$1
RETURNING retry_count
`, id, JobStatusRetrying).Scan(&count)
	return count, err
}

// ListJobsByStatus returns jobs in the given statuses, oldest first; used by
// the worker to resume interrupted runs on startup.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...string) ([]JobRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+jobColumns+` FROM processing_jobs WHERE status = ANY($1) ORDER BY created_at
`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchQueryRecord logs one completed similarity search. Rows are immutable
// once written.
type SearchQueryRecord struct {
	OwnerID       string
	QueryText     string
	QueryVector   []float32
	ResultCount   int
	TopDocumentID string
	TopScore      float64
	ElapsedMS     int64
}

// InsertSearchQuery appends a search log row.
func (s *Store) InsertSearchQuery(ctx context.Context, rec SearchQueryRecord) error {
	if rec.QueryText == "" {
		return fmt.Errorf("query_text required")
	}
	var vectorArg interface{}
	if len(rec.QueryVector) > 0 {
		literal, err := encodeVectorLiteral(rec.QueryVector)
		if err != nil {
			return err
		}
		vectorArg = literal
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO search_queries (owner_id, query_text, query_embedding, result_count, top_document_id, top_score, search_time_ms, created_at)
VALUES ($1,$2,$3::vector,$4,$5,$6,$7,NOW())
`, nullableString(rec.OwnerID), rec.QueryText, vectorArg, rec.ResultCount, nullableString(rec.TopDocumentID), rec.TopScore, rec.ElapsedMS)
	return err
}
