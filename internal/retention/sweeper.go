// Package retention enforces the archival policy: archived studies whose
// retention deadline has passed are purged together with their artifacts,
// studies without a deadline get one backfilled from their study date, and
// studies stuck in in_progress are surfaced for an operator.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/you-humble/dicomproc/internal/domain"
)

type StudyStore interface {
	PurgeCandidates(ctx context.Context, before time.Time) ([]domain.Study, error)
	MissingRetention(ctx context.Context, limit int) ([]domain.Study, error)
	SetRetention(ctx context.Context, studyID int64, until time.Time) error
	Delete(ctx context.Context, studyID int64) error
	StuckInProgress(ctx context.Context, cutoff time.Time) ([]domain.Study, error)
}

type ImageStore interface {
	ArtifactPaths(ctx context.Context, studyID int64) ([]string, error)
	CountByStudy(ctx context.Context, studyID int64) (int, error)
}

type BlobStore interface {
	DeleteAll(ctx context.Context, names []string) error
}

type Auditor interface {
	Emit(ctx context.Context, rec domain.AuditRecord, details map[string]any)
}

type Config struct {
	PeriodDays       int
	PurgeInterval    time.Duration
	BackfillInterval time.Duration
	WatchdogInterval time.Duration
	StuckAfter       time.Duration
	BackfillBatch    int
}

// PurgeSummary reports one purge pass.
type PurgeSummary struct {
	Purged     int
	Failed     int
	ByHospital map[int64]int
}

type Sweeper struct {
	cfg     Config
	studies StudyStore
	images  ImageStore
	blob    BlobStore
	auditor Auditor

	now func() time.Time
}

func NewSweeper(cfg Config, studies StudyStore, images ImageStore, blob BlobStore, auditor Auditor) *Sweeper {
	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = 500
	}
	return &Sweeper{
		cfg:     cfg,
		studies: studies,
		images:  images,
		blob:    blob,
		auditor: auditor,
		now:     time.Now,
	}
}

// PurgeExpired deletes every archived study whose retention deadline lies in
// the past, artifacts first, rows second, with an audit record written before
// anything is destroyed. One study failing to purge never stops the pass.
func (s *Sweeper) PurgeExpired(ctx context.Context) (PurgeSummary, error) {
	// The deadline is a calendar date and the day itself is still inside the
	// retention period: compare against today's midnight, not the wall clock,
	// so a study expiring today is purged tomorrow at the earliest.
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	candidates, err := s.studies.PurgeCandidates(ctx, today)
	if err != nil {
		return PurgeSummary{}, fmt.Errorf("list purge candidates: %w", err)
	}
	if len(candidates) == 0 {
		return PurgeSummary{ByHospital: map[int64]int{}}, nil
	}

	correlationID := uuid.NewString()
	summary := PurgeSummary{ByHospital: map[int64]int{}}

	for _, st := range candidates {
		if err := s.purgeOne(ctx, st, correlationID); err != nil {
			summary.Failed++
			slog.Error("purge study",
				slog.Int64("study_id", st.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.Purged++
		summary.ByHospital[st.HospitalID]++
	}

	slog.Info("retention purge pass finished",
		slog.Int("purged", summary.Purged),
		slog.Int("failed", summary.Failed),
		slog.String("correlation_id", correlationID),
	)
	return summary, nil
}

func (s *Sweeper) purgeOne(ctx context.Context, st domain.Study, correlationID string) error {
	count, err := s.images.CountByStudy(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("count images: %w", err)
	}
	paths, err := s.images.ArtifactPaths(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}

	// The audit record goes first: if the delete half fails the trail shows
	// the intent, never the other way around.
	s.auditor.Emit(ctx, domain.AuditRecord{
		ActorType:     domain.ActorSystem,
		Action:        domain.ActionDelete,
		ResourceType:  "ImagingStudy",
		ResourceID:    st.ID,
		HospitalID:    st.HospitalID,
		CorrelationID: correlationID,
	}, map[string]any{
		"reason":          "retention_expired",
		"retention_until": st.RetentionUntil,
		"study_date":      st.StudyDate.Format("2006-01-02"),
		"patient_mrn":     st.PatientMRN,
		"modality":        st.Modality,
		"image_count":     count,
	})

	if err := s.blob.DeleteAll(ctx, paths); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	if err := s.studies.Delete(ctx, st.ID); err != nil {
		return fmt.Errorf("delete study row: %w", err)
	}

	slog.Info("purged expired study",
		slog.Int64("study_id", st.ID),
		slog.Int64("hospital_id", st.HospitalID),
		slog.Int("images", count),
	)
	return nil
}

// BackfillDeadlines assigns retention_until to studies that predate the
// policy: study date plus the retention period.
func (s *Sweeper) BackfillDeadlines(ctx context.Context) (int, error) {
	studies, err := s.studies.MissingRetention(ctx, s.cfg.BackfillBatch)
	if err != nil {
		return 0, fmt.Errorf("list studies without retention: %w", err)
	}

	period := time.Duration(s.cfg.PeriodDays) * 24 * time.Hour
	done := 0
	for _, st := range studies {
		until := st.StudyDate.Add(period)
		if err := s.studies.SetRetention(ctx, st.ID, until); err != nil {
			slog.Error("backfill retention",
				slog.Int64("study_id", st.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		done++
	}

	if done > 0 {
		slog.Info("backfilled retention deadlines", slog.Int("count", done))
	}
	return done, nil
}

// ReportStuck surfaces studies sitting in in_progress past the threshold.
// It changes nothing; a crashed worker left these behind and the decision to
// re-enqueue or fail them belongs to an operator.
func (s *Sweeper) ReportStuck(ctx context.Context) ([]domain.Study, error) {
	cutoff := s.now().Add(-s.cfg.StuckAfter)
	stuck, err := s.studies.StuckInProgress(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck studies: %w", err)
	}

	for _, st := range stuck {
		slog.Warn("study stuck in in_progress",
			slog.Int64("study_id", st.ID),
			slog.Int64("hospital_id", st.HospitalID),
			slog.Time("since", st.UpdatedAt),
		)
	}
	return stuck, nil
}

// Run drives the three periodic passes until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	go s.loop(ctx, s.cfg.PurgeInterval, "purge", func(ctx context.Context) error {
		_, err := s.PurgeExpired(ctx)
		return err
	})
	go s.loop(ctx, s.cfg.BackfillInterval, "backfill", func(ctx context.Context) error {
		_, err := s.BackfillDeadlines(ctx)
		return err
	})
	go s.loop(ctx, s.cfg.WatchdogInterval, "watchdog", func(ctx context.Context) error {
		_, err := s.ReportStuck(ctx)
		return err
	})
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, name string, pass func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				slog.Error("retention pass failed",
					slog.String("pass", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
