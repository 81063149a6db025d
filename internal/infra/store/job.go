package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you-humble/dicomproc/internal/domain"
)

type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Upsert creates the job record or, on redelivery of the same id, resets it
// to processing with fresh totals. Counters and result survive in history
// only through the final Finish.
func (s *JobStore) Upsert(ctx context.Context, job domain.Job) (domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, name, status, total_items, processed_items, failed_items, study_id, caller_id)
		 VALUES ($1, $2, $3, $4, 0, 0, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status,
		     total_items = EXCLUDED.total_items,
		     updated_at = now()
		 RETURNING id, name, status, total_items, processed_items, failed_items,
		           result, error_message, study_id, caller_id, created_at, updated_at`,
		job.ID, job.Name, domain.JobProcessing, job.TotalItems, job.StudyID, job.CallerID)

	return scanJob(row)
}

func (s *JobStore) ByID(ctx context.Context, id string) (domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, status, total_items, processed_items, failed_items,
		        result, error_message, study_id, caller_id, created_at, updated_at
		 FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// SetProgress records the per-item counters as the batch advances.
func (s *JobStore) SetProgress(ctx context.Context, id string, processed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET processed_items = $2, failed_items = $3, updated_at = now() WHERE id = $1`,
		id, processed, failed)
	if err != nil {
		return fmt.Errorf("update job progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) Finish(ctx context.Context, id string, status domain.JobStatus, result []byte, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, result = $3, error_message = $4, updated_at = now()
		 WHERE id = $1`,
		id, status, result, errMsg)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Name, &j.Status, &j.TotalItems, &j.ProcessedItems, &j.FailedItems,
		&j.Result, &j.ErrorMessage, &j.StudyID, &j.CallerID, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}
