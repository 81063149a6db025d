package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you-humble/dicomproc/internal/domain"
)

const studyColumns = `id, patient_id, hospital_id, patient_mrn, modality, body_part,
	study_date, status, error_message, pipeline_version, retention_until,
	created_at, updated_at`

type StudyStore struct {
	pool *pgxpool.Pool
	tx   *TxRunner
}

func NewStudyStore(pool *pgxpool.Pool) *StudyStore {
	return &StudyStore{pool: pool, tx: NewTxRunner(pool)}
}

func scanStudy(row pgx.Row) (domain.Study, error) {
	var st domain.Study
	err := row.Scan(
		&st.ID, &st.PatientID, &st.HospitalID, &st.PatientMRN, &st.Modality,
		&st.BodyPart, &st.StudyDate, &st.Status, &st.ErrorMessage,
		&st.PipelineVersion, &st.RetentionUntil, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Study{}, domain.ErrStudyNotFound
	}
	if err != nil {
		return domain.Study{}, fmt.Errorf("scan study: %w", err)
	}
	return st, nil
}

func (s *StudyStore) ByID(ctx context.Context, id int64) (domain.Study, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+studyColumns+` FROM imaging_studies WHERE id = $1`, id)
	return scanStudy(row)
}

// LockForProcessing is the idempotency guard. Inside one transaction it takes
// a pessimistic row lock on the study, short-circuits with
// domain.ErrAlreadyCompleted when the work is already done, and otherwise
// transitions the row to in_progress with the previous error cleared. The row
// state is the durable source of truth; the distributed cache lock only saves
// wasted work when it has not expired yet.
func (s *StudyStore) LockForProcessing(ctx context.Context, studyID int64) (domain.Study, error) {
	var st domain.Study
	err := s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+studyColumns+` FROM imaging_studies WHERE id = $1 FOR UPDATE`, studyID)

		var err error
		st, err = scanStudy(row)
		if err != nil {
			return err
		}

		if st.Status == domain.StudyCompleted {
			return domain.ErrAlreadyCompleted
		}

		_, err = tx.Exec(ctx,
			`UPDATE imaging_studies
			 SET status = $2, error_message = '', updated_at = now()
			 WHERE id = $1`,
			studyID, domain.StudyInProgress)
		if err != nil {
			return fmt.Errorf("mark study in_progress: %w", err)
		}
		st.Status = domain.StudyInProgress
		st.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return domain.Study{}, err
	}
	return st, nil
}

// Complete stamps the processing pipeline version on success.
func (s *StudyStore) Complete(ctx context.Context, studyID int64, pipelineVersion string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE imaging_studies
		 SET status = $2, error_message = '', pipeline_version = $3, updated_at = now()
		 WHERE id = $1`,
		studyID, domain.StudyCompleted, pipelineVersion)
	if err != nil {
		return fmt.Errorf("complete study %d: %w", studyID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStudyNotFound
	}
	return nil
}

func (s *StudyStore) Fail(ctx context.Context, studyID int64, message string) error {
	if len(message) > 500 {
		message = message[:500]
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE imaging_studies
		 SET status = $2, error_message = $3, updated_at = now()
		 WHERE id = $1`,
		studyID, domain.StudyFailed, message)
	if err != nil {
		return fmt.Errorf("fail study %d: %w", studyID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStudyNotFound
	}
	return nil
}

// PurgeCandidates returns archived studies whose retention deadline is
// strictly before the given cutoff. Callers pass a midnight boundary so a
// deadline falling on the current day is never a candidate.
func (s *StudyStore) PurgeCandidates(ctx context.Context, before time.Time) ([]domain.Study, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+studyColumns+` FROM imaging_studies
		 WHERE status = $1 AND retention_until IS NOT NULL AND retention_until < $2
		 ORDER BY retention_until`,
		domain.StudyArchived, before)
	if err != nil {
		return nil, fmt.Errorf("select purge candidates: %w", err)
	}
	defer rows.Close()

	return collectStudies(rows)
}

// MissingRetention returns studies with no retention deadline set.
func (s *StudyStore) MissingRetention(ctx context.Context, limit int) ([]domain.Study, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+studyColumns+` FROM imaging_studies
		 WHERE retention_until IS NULL
		 ORDER BY id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select studies without retention: %w", err)
	}
	defer rows.Close()

	return collectStudies(rows)
}

func (s *StudyStore) SetRetention(ctx context.Context, studyID int64, until time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE imaging_studies SET retention_until = $2, updated_at = now() WHERE id = $1`,
		studyID, until)
	if err != nil {
		return fmt.Errorf("set retention for study %d: %w", studyID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStudyNotFound
	}
	return nil
}

// Delete removes the study; its images go with it via ON DELETE CASCADE.
func (s *StudyStore) Delete(ctx context.Context, studyID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM imaging_studies WHERE id = $1`, studyID)
	if err != nil {
		return fmt.Errorf("delete study %d: %w", studyID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStudyNotFound
	}
	return nil
}

// StuckInProgress reports studies that entered in_progress before the cutoff
// and never left it. A crashed worker with an expired lock leaves rows in
// this state; they need an operator, not silent reliance on redelivery.
func (s *StudyStore) StuckInProgress(ctx context.Context, cutoff time.Time) ([]domain.Study, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+studyColumns+` FROM imaging_studies
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at`,
		domain.StudyInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select stuck studies: %w", err)
	}
	defer rows.Close()

	return collectStudies(rows)
}

func (s *StudyStore) ByPatient(ctx context.Context, patientID int64) ([]domain.Study, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+studyColumns+` FROM imaging_studies
		 WHERE patient_id = $1
		 ORDER BY study_date DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("select studies by patient: %w", err)
	}
	defer rows.Close()

	return collectStudies(rows)
}

func collectStudies(rows pgx.Rows) ([]domain.Study, error) {
	var out []domain.Study
	for rows.Next() {
		st, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate studies: %w", err)
	}
	return out, nil
}
