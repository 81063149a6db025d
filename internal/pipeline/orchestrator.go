package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/you-humble/dicomproc/internal/domain"
	"github.com/you-humble/dicomproc/internal/infra/lock"
)

const (
	processJobName = "DICOM Image Processing"

	// Bounds on stored error detail; full detail beyond this is dropped
	// deliberately.
	maxStudyErrors  = 3
	maxResultErrors = 10
)

// ProcessStudy drives one study-processing job: distributed lock, row-level
// idempotency guard, per-item processing, state rollup, audit trail. It
// returns a terminal summary, or an error wrapped as retryable when the
// failure is worth a redelivery.
func (o *Orchestrator) ProcessStudy(
	ctx context.Context,
	jobID string,
	studyID int64,
	items []domain.BatchItem,
	callerID string,
	correlationID string,
) (result domain.ProcessResult, err error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := slog.With(
		slog.String("job_id", jobID),
		slog.Int64("study_id", studyID),
		slog.String("correlation_id", correlationID),
	)

	lockKey := lock.StudyKey(studyID)
	holding, lockErr := o.locker.Acquire(ctx, lockKey, jobID, o.cfg.LockTTL)
	if lockErr != nil {
		// The cache lock is an optimization; the row guard below stays
		// correct without it.
		log.Warn("lock coordinator unavailable, relying on row guard",
			slog.String("error", lockErr.Error()))
		holding = false
	} else if !holding {
		holder, _, _ := o.locker.Peek(ctx, lockKey)
		log.Info("study is already being processed, skipping",
			slog.String("lock_holder", holder))
		return domain.ProcessResult{Status: domain.ResultAlreadyProcessing}, nil
	}

	if holding {
		defer func() {
			releaseCtx := context.WithoutCancel(ctx)
			if rerr := o.locker.Release(releaseCtx, lockKey); rerr != nil {
				log.Warn("release lock", slog.String("error", rerr.Error()))
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic during job %s: %v", jobID, r)
			log.Error("job panicked", slog.String("error", perr.Error()))
			o.markFailed(ctx, jobID, studyID, perr)
			result = domain.ProcessResult{Status: domain.ResultFailed}
			err = domain.Retryable(perr)
		}
	}()

	job, err := o.jobs.Upsert(ctx, domain.Job{
		ID:         jobID,
		Name:       processJobName,
		TotalItems: len(items),
		StudyID:    &studyID,
		CallerID:   callerID,
	})
	if err != nil {
		return domain.ProcessResult{}, domain.Retryable(fmt.Errorf("upsert job: %w", err))
	}

	study, err := o.studies.LockForProcessing(ctx, studyID)
	if errors.Is(err, domain.ErrAlreadyCompleted) {
		log.Info("study already completed, skipping")
		result = domain.ProcessResult{Status: domain.ResultAlreadyCompleted}
		o.finishJob(ctx, job.ID, domain.JobCompleted, result, "")
		return result, nil
	}
	if errors.Is(err, domain.ErrStudyNotFound) {
		// Retrying cannot conjure a missing study; fail terminally.
		msg := fmt.Sprintf("study with ID %d not found", studyID)
		log.Error("study not found")
		result = domain.ProcessResult{Status: domain.ResultFailed}
		o.finishJob(ctx, job.ID, domain.JobFailed, result, msg)
		o.auditor.Emit(ctx, domain.AuditRecord{
			ActorID:       callerID,
			Action:        domain.ActionFailed,
			ResourceType:  "ImagingStudy",
			ResourceID:    studyID,
			CorrelationID: correlationID,
		}, map[string]any{"error": msg, "job_id": job.ID})
		return result, err
	}
	if err != nil {
		o.markFailed(ctx, jobID, studyID, err)
		return domain.ProcessResult{}, domain.Retryable(fmt.Errorf("lock study for processing: %w", err))
	}

	log.Info("processing started", slog.Int("total_items", len(items)))
	o.auditor.Emit(ctx, domain.AuditRecord{
		ActorID:       callerID,
		Action:        domain.ActionProcess,
		ResourceType:  "ImagingStudy",
		ResourceID:    study.ID,
		HospitalID:    study.HospitalID,
		CorrelationID: correlationID,
	}, map[string]any{"job_id": job.ID, "total_items": len(items)})

	var created, skipped, failed []domain.ItemResult
	for i, item := range items {
		itemRes := o.items.Process(ctx, study, item)
		switch itemRes.Outcome {
		case domain.ItemCreated:
			created = append(created, itemRes)
		case domain.ItemSkipped:
			skipped = append(skipped, itemRes)
		case domain.ItemError:
			failed = append(failed, itemRes)
		}

		if perr := o.jobs.SetProgress(ctx, job.ID, i+1, len(failed)); perr != nil {
			log.Warn("update job progress", slog.String("error", perr.Error()))
		}
	}

	result = domain.ProcessResult{
		Created: len(created),
		Skipped: len(skipped),
		Errors:  len(failed),
		Items:   cappedItems(created, skipped, failed),
	}

	if len(failed) > 0 {
		msg := joinItemErrors(failed, maxStudyErrors)
		if serr := o.studies.Fail(ctx, study.ID, msg); serr != nil {
			o.markFailed(ctx, jobID, studyID, serr)
			return domain.ProcessResult{}, domain.Retryable(fmt.Errorf("mark study failed: %w", serr))
		}
		result.Status = domain.ResultFailed
		o.finishJob(ctx, job.ID, domain.JobFailed, result, msg)
		o.auditor.Emit(ctx, domain.AuditRecord{
			ActorID:       callerID,
			Action:        domain.ActionFailed,
			ResourceType:  "ImagingStudy",
			ResourceID:    study.ID,
			HospitalID:    study.HospitalID,
			CorrelationID: correlationID,
		}, map[string]any{
			"job_id":   job.ID,
			"errors":   len(failed),
			"messages": msg,
		})
		log.Warn("processing finished with errors",
			slog.Int("created", len(created)),
			slog.Int("skipped", len(skipped)),
			slog.Int("errors", len(failed)),
		)
		return result, nil
	}

	if serr := o.studies.Complete(ctx, study.ID, o.cfg.PipelineVersion); serr != nil {
		o.markFailed(ctx, jobID, studyID, serr)
		return domain.ProcessResult{}, domain.Retryable(fmt.Errorf("complete study: %w", serr))
	}
	result.Status = domain.ResultCompleted
	o.finishJob(ctx, job.ID, domain.JobCompleted, result, "")
	o.auditor.Emit(ctx, domain.AuditRecord{
		ActorID:       callerID,
		Action:        domain.ActionUpdate,
		ResourceType:  "ImagingStudy",
		ResourceID:    study.ID,
		HospitalID:    study.HospitalID,
		CorrelationID: correlationID,
	}, map[string]any{
		"job_id":  job.ID,
		"created": len(created),
		"skipped": len(skipped),
	})

	log.Info("processing completed",
		slog.Int("created", len(created)),
		slog.Int("skipped", len(skipped)),
	)
	return result, nil
}

// markFailed is the cleanup for unexpected faults: best-effort transition of
// both the study and the job to failed before the error is re-raised as
// retryable.
func (o *Orchestrator) markFailed(ctx context.Context, jobID string, studyID int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := o.studies.Fail(ctx, studyID, cause.Error()); err != nil &&
		!errors.Is(err, domain.ErrStudyNotFound) {
		slog.Warn("mark study failed", slog.String("error", err.Error()))
	}
	if err := o.jobs.Finish(ctx, jobID, domain.JobFailed, nil, cause.Error()); err != nil &&
		!errors.Is(err, domain.ErrJobNotFound) {
		slog.Warn("mark job failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) finishJob(ctx context.Context, jobID string, status domain.JobStatus, result domain.ProcessResult, errMsg string) {
	payload, err := json.Marshal(result)
	if err != nil {
		slog.Warn("marshal job result", slog.String("error", err.Error()))
	}
	if err := o.jobs.Finish(ctx, jobID, status, payload, errMsg); err != nil {
		slog.Warn("finish job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// cappedItems keeps every created/skipped entry but at most maxResultErrors
// error entries in the stored result.
func cappedItems(created, skipped, failed []domain.ItemResult) []domain.ItemResult {
	out := make([]domain.ItemResult, 0, len(created)+len(skipped)+min(len(failed), maxResultErrors))
	out = append(out, created...)
	out = append(out, skipped...)
	for i, f := range failed {
		if i == maxResultErrors {
			break
		}
		out = append(out, f)
	}
	return out
}

func joinItemErrors(failed []domain.ItemResult, limit int) string {
	msgs := make([]string, 0, min(len(failed), limit))
	for i, f := range failed {
		if i == limit {
			break
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Filename, f.Error))
	}
	return strings.Join(msgs, "; ")
}
