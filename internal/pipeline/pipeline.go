// Package pipeline holds the background-job processing core: the per-item
// batch processor and the job orchestrator that drives one study-processing
// job end to end under a distributed lock and a row-level idempotency guard.
package pipeline

import (
	"context"
	"time"

	"github.com/you-humble/dicomproc/internal/domain"
)

type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Peek(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

type StudyStore interface {
	ByID(ctx context.Context, id int64) (domain.Study, error)
	LockForProcessing(ctx context.Context, id int64) (domain.Study, error)
	Complete(ctx context.Context, id int64, pipelineVersion string) error
	Fail(ctx context.Context, id int64, message string) error
	ByPatient(ctx context.Context, patientID int64) ([]domain.Study, error)
}

type ImageStore interface {
	NextInstanceNumber(ctx context.Context, studyID int64) (int, error)
	SOPInstanceExists(ctx context.Context, sopInstanceUID string) (bool, error)
	Create(ctx context.Context, img domain.Image) (int64, error)
	CountByStudy(ctx context.Context, studyID int64) (int, error)
}

type JobStore interface {
	Upsert(ctx context.Context, job domain.Job) (domain.Job, error)
	SetProgress(ctx context.Context, id string, processed, failed int) error
	Finish(ctx context.Context, id string, status domain.JobStatus, result []byte, errMsg string) error
}

type BlobStore interface {
	Save(ctx context.Context, name string, content []byte) (string, error)
	Delete(ctx context.Context, name string) error
}

type Auditor interface {
	Emit(ctx context.Context, rec domain.AuditRecord, details map[string]any)
}

type Config struct {
	PipelineVersion string
	JPEGQuality     int
	LockTTL         time.Duration
}

type Orchestrator struct {
	cfg     Config
	locker  Locker
	studies StudyStore
	images  ImageStore
	jobs    JobStore
	blob    BlobStore
	auditor Auditor
	items   *itemProcessor
}

func NewOrchestrator(
	cfg Config,
	locker Locker,
	studies StudyStore,
	images ImageStore,
	jobs JobStore,
	blob BlobStore,
	auditor Auditor,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		locker:  locker,
		studies: studies,
		images:  images,
		jobs:    jobs,
		blob:    blob,
		auditor: auditor,
		items:   newItemProcessor(images, blob, cfg.JPEGQuality),
	}
}
