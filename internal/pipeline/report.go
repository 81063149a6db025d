package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/you-humble/dicomproc/internal/domain"
	"github.com/you-humble/dicomproc/internal/infra/lock"
)

const reportJobName = "Patient Imaging Report"

// GenerateReport renders a JSON summary of all studies for one patient and
// stores it as a blob artifact. One report per patient runs at a time; a
// concurrent request is skipped, not queued.
func (o *Orchestrator) GenerateReport(
	ctx context.Context,
	jobID string,
	patientID int64,
	callerID string,
	correlationID string,
) (result domain.ReportResult, err error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := slog.With(
		slog.String("job_id", jobID),
		slog.Int64("patient_id", patientID),
		slog.String("correlation_id", correlationID),
	)

	lockKey := lock.ReportKey(patientID)
	holding, lockErr := o.locker.Acquire(ctx, lockKey, jobID, o.cfg.LockTTL)
	if lockErr != nil {
		log.Warn("lock coordinator unavailable, proceeding without lock",
			slog.String("error", lockErr.Error()))
		holding = false
	} else if !holding {
		log.Info("report already in progress for patient, skipping")
		return domain.ReportResult{
			Status:    domain.ResultAlreadyProcessing,
			PatientID: patientID,
		}, nil
	}

	if holding {
		defer func() {
			releaseCtx := context.WithoutCancel(ctx)
			if rerr := o.locker.Release(releaseCtx, lockKey); rerr != nil {
				log.Warn("release lock", slog.String("error", rerr.Error()))
			}
		}()
	}

	if _, err := o.jobs.Upsert(ctx, domain.Job{
		ID:       jobID,
		Name:     reportJobName,
		CallerID: callerID,
	}); err != nil {
		return domain.ReportResult{}, domain.Retryable(fmt.Errorf("upsert job: %w", err))
	}

	studies, err := o.studies.ByPatient(ctx, patientID)
	if err != nil {
		o.finishReportJob(ctx, jobID, domain.JobFailed, domain.ReportResult{}, err.Error())
		return domain.ReportResult{}, domain.Retryable(fmt.Errorf("load studies for patient %d: %w", patientID, err))
	}

	report := domain.Report{
		PatientID:   patientID,
		GeneratedAt: time.Now().UTC(),
		Studies:     make([]domain.ReportStudy, 0, len(studies)),
	}
	for _, st := range studies {
		count, err := o.images.CountByStudy(ctx, st.ID)
		if err != nil {
			o.finishReportJob(ctx, jobID, domain.JobFailed, domain.ReportResult{}, err.Error())
			return domain.ReportResult{}, domain.Retryable(fmt.Errorf("count images for study %d: %w", st.ID, err))
		}
		report.Studies = append(report.Studies, domain.ReportStudy{
			StudyID:    st.ID,
			Modality:   st.Modality,
			BodyPart:   st.BodyPart,
			StudyDate:  st.StudyDate.Format("2006-01-02"),
			Status:     string(st.Status),
			ImageCount: count,
		})
		report.ImageCount += count
	}
	report.StudyCount = len(report.Studies)

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		o.finishReportJob(ctx, jobID, domain.JobFailed, domain.ReportResult{}, err.Error())
		return domain.ReportResult{}, fmt.Errorf("marshal report: %w", err)
	}

	name := fmt.Sprintf("reports/patient-%d/%s.json", patientID, jobID)
	path, err := o.blob.Save(ctx, name, payload)
	if err != nil {
		o.finishReportJob(ctx, jobID, domain.JobFailed, domain.ReportResult{}, err.Error())
		return domain.ReportResult{}, domain.Retryable(fmt.Errorf("save report artifact: %w", err))
	}

	result = domain.ReportResult{
		Status:       domain.ResultCompleted,
		PatientID:    patientID,
		StudyCount:   report.StudyCount,
		ImageCount:   report.ImageCount,
		ArtifactPath: path,
	}
	o.finishReportJob(ctx, jobID, domain.JobCompleted, result, "")
	o.auditor.Emit(ctx, domain.AuditRecord{
		ActorID:       callerID,
		Action:        domain.ActionProcess,
		ResourceType:  "PatientReport",
		ResourceID:    patientID,
		CorrelationID: correlationID,
	}, map[string]any{
		"job_id":        jobID,
		"study_count":   report.StudyCount,
		"image_count":   report.ImageCount,
		"artifact_path": path,
	})

	log.Info("report generated",
		slog.Int("studies", report.StudyCount),
		slog.Int("images", report.ImageCount),
	)
	return result, nil
}

func (o *Orchestrator) finishReportJob(ctx context.Context, jobID string, status domain.JobStatus, result domain.ReportResult, errMsg string) {
	payload, err := json.Marshal(result)
	if err != nil {
		slog.Warn("marshal report result", slog.String("error", err.Error()))
	}
	if err := o.jobs.Finish(context.WithoutCancel(ctx), jobID, status, payload, errMsg); err != nil {
		slog.Warn("finish job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
