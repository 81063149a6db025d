package domain

import (
	"errors"
	"time"
)

type StudyStatus string

const (
	StudyPending    StudyStatus = "pending"
	StudyInProgress StudyStatus = "in_progress"
	StudyCompleted  StudyStatus = "completed"
	StudyFailed     StudyStatus = "failed"
	StudyArchived   StudyStatus = "archived"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Audit actions recorded for system-initiated mutations.
const (
	ActionProcess = "process"
	ActionUpdate  = "update"
	ActionFailed  = "failed"
	ActionDelete  = "delete"
)

const (
	ActorSystem = "system"
	ActorUser   = "user"
)

// Study is the parent unit of background work. Its status is advanced only
// by the job orchestrator; deletion and retention backfill belong to the
// retention sweeper.
type Study struct {
	ID         int64
	PatientID  int64
	HospitalID int64

	PatientMRN string
	Modality   string
	BodyPart   string
	StudyDate  time.Time

	Status          StudyStatus
	ErrorMessage    string
	PipelineVersion string
	RetentionUntil  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Image is one persisted file of an upload batch. Immutable after creation,
// removed only by cascade when its study is purged.
type Image struct {
	ID             int64
	StudyID        int64
	InstanceNumber int

	ArtifactPath  string
	FileSizeBytes int64
	IsDicom       bool

	// Extracted DICOM fields, zero-valued for generic images.
	SliceThickness    *float64
	PixelSpacing      string
	SliceLocation     *float64
	Rows              int
	Columns           int
	BitsAllocated     int
	BitsStored        int
	WindowCenter      string
	WindowWidth       string
	RescaleIntercept  float64
	RescaleSlope      float64
	Manufacturer      string
	ManufacturerModel string

	// SOPInstanceUID is the content-unique identifier used for system-wide
	// deduplication. Unique across all stored images.
	SOPInstanceUID string

	// Metadata holds the full extracted tag snapshot as JSON.
	Metadata []byte

	UploadedAt time.Time
}

// Job tracks one unit of asynchronous work. Upserted by id, so a redelivered
// job reuses its existing record.
type Job struct {
	ID   string
	Name string

	Status JobStatus

	TotalItems     int
	ProcessedItems int
	FailedItems    int

	Result       []byte
	ErrorMessage string

	StudyID  *int64
	CallerID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j Job) ProgressPercent() int {
	if j.TotalItems == 0 {
		return 0
	}
	return j.ProcessedItems * 100 / j.TotalItems
}

// AuditRecord is an append-only compliance log entry.
type AuditRecord struct {
	ID            int64
	ActorType     string
	ActorID       string
	Action        string
	ResourceType  string
	ResourceID    int64
	HospitalID    int64
	CorrelationID string
	Details       []byte
	Timestamp     time.Time
}

// BatchItem is one uploaded file as delivered to the worker.
type BatchItem struct {
	Filename       string `json:"filename"`
	Content        []byte `json:"content"`
	InstanceNumber int    `json:"instance_number"`
}

type ItemOutcome string

const (
	ItemCreated ItemOutcome = "created"
	ItemSkipped ItemOutcome = "skipped"
	ItemError   ItemOutcome = "error"
)

// ItemResult reports the fate of a single batch item. One item failing never
// aborts the batch; the error is carried here instead.
type ItemResult struct {
	Outcome        ItemOutcome `json:"outcome"`
	Filename       string      `json:"filename"`
	InstanceNumber int         `json:"instance_number"`
	ImageID        int64       `json:"image_id,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	SOPInstanceUID string      `json:"sop_instance_uid,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Terminal statuses a job run reports back to its caller.
const (
	ResultCompleted         = "completed"
	ResultFailed            = "failed"
	ResultAlreadyCompleted  = "already_completed"
	ResultAlreadyProcessing = "skipped_already_processing"
)

// ProcessResult is the summary returned to the execution framework and stored
// on the job record. Lists are capped so a pathological batch cannot bloat
// storage.
type ProcessResult struct {
	Status  string       `json:"status"`
	Created int          `json:"created,omitempty"`
	Skipped int          `json:"skipped,omitempty"`
	Errors  int          `json:"errors,omitempty"`
	Items   []ItemResult `json:"items,omitempty"`
}

// ReportStudy is one study line inside a generated patient report.
type ReportStudy struct {
	StudyID    int64  `json:"study_id"`
	Modality   string `json:"modality"`
	BodyPart   string `json:"body_part"`
	StudyDate  string `json:"study_date"`
	Status     string `json:"status"`
	ImageCount int    `json:"image_count"`
}

// Report is the JSON document rendered by the patient-report job and stored
// as a blob artifact.
type Report struct {
	PatientID   int64         `json:"patient_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	StudyCount  int           `json:"study_count"`
	ImageCount  int           `json:"image_count"`
	Studies     []ReportStudy `json:"studies"`
}

// ReportResult is the terminal summary of a report job.
type ReportResult struct {
	Status       string `json:"status"`
	PatientID    int64  `json:"patient_id"`
	StudyCount   int    `json:"study_count"`
	ImageCount   int    `json:"image_count"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}

var (
	ErrStudyNotFound        = errors.New("study not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrAlreadyCompleted     = errors.New("study already completed")
	ErrDuplicateSOPInstance = errors.New("duplicate SOP Instance UID")
	ErrArtifactNotFound     = errors.New("artifact not found")
)

// RetryableError marks a failure the execution framework should redeliver
// with backoff. Everything else is terminal for the delivery.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
