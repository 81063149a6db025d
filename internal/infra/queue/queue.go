// Package queue carries the processing jobs over NATS JetStream. Messages are
// self-contained JSON payloads; the job id travels inside so a redelivered
// message lands on the same job record.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/you-humble/dicomproc/internal/domain"
)

// ProcessMessage requests processing of one uploaded batch for a study.
type ProcessMessage struct {
	JobID         string             `json:"job_id"`
	StudyID       int64              `json:"study_id"`
	Items         []domain.BatchItem `json:"items"`
	CallerID      string             `json:"caller_id"`
	CorrelationID string             `json:"correlation_id"`
}

// ReportMessage requests a patient imaging report.
type ReportMessage struct {
	JobID         string `json:"job_id"`
	PatientID     int64  `json:"patient_id"`
	CallerID      string `json:"caller_id"`
	CorrelationID string `json:"correlation_id"`
}

type queue struct {
	js            nats.JetStreamContext
	subject       string
	reportSubject string
}

func New(js nats.JetStreamContext, subject, reportSubject string) *queue {
	return &queue{
		js:            js,
		subject:       subject,
		reportSubject: reportSubject,
	}
}

// EnqueueProcess publishes a study-processing job and returns its job id.
func (q *queue) EnqueueProcess(ctx context.Context, studyID int64, items []domain.BatchItem, callerID string) (string, error) {
	if studyID <= 0 {
		return "", fmt.Errorf("invalid study id %d", studyID)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("empty batch for study %d", studyID)
	}

	msg := ProcessMessage{
		JobID:         uuid.NewString(),
		StudyID:       studyID,
		Items:         items,
		CallerID:      callerID,
		CorrelationID: uuid.NewString(),
	}
	if err := q.publish(ctx, q.subject, msg.JobID, msg); err != nil {
		return "", err
	}
	return msg.JobID, nil
}

// EnqueueReport publishes a patient-report job and returns its job id.
func (q *queue) EnqueueReport(ctx context.Context, patientID int64, callerID string) (string, error) {
	if patientID <= 0 {
		return "", fmt.Errorf("invalid patient id %d", patientID)
	}

	msg := ReportMessage{
		JobID:         uuid.NewString(),
		PatientID:     patientID,
		CallerID:      callerID,
		CorrelationID: uuid.NewString(),
	}
	if err := q.publish(ctx, q.reportSubject, msg.JobID, msg); err != nil {
		return "", err
	}
	return msg.JobID, nil
}

func (q *queue) publish(_ context.Context, subject, jobID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", jobID, err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Nats-Msg-Id", jobID)

	ack, err := q.js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("enqueue job %s: publish failed: %w", jobID, err)
	}

	slog.Debug(
		"job enqueued",
		slog.String("job_id", jobID),
		slog.String("subject", subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)

	return nil
}
