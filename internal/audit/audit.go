// Package audit appends compliance log records for system-initiated actions.
// Records are immutable and retained independently of the resources they
// reference.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/you-humble/dicomproc/internal/domain"
)

type Appender interface {
	Append(ctx context.Context, rec domain.AuditRecord) error
}

type Emitter struct {
	store Appender
}

func NewEmitter(store Appender) *Emitter {
	return &Emitter{store: store}
}

// Emit writes one audit record. Details are marshaled to JSON; a failed
// append is logged but never fails the surrounding job, losing an audit line
// must not lose the work.
func (e *Emitter) Emit(ctx context.Context, rec domain.AuditRecord, details map[string]any) {
	if details != nil {
		payload, err := json.Marshal(details)
		if err != nil {
			slog.Warn("marshal audit details",
				slog.String("action", rec.Action),
				slog.String("error", err.Error()),
			)
		} else {
			rec.Details = payload
		}
	}
	if rec.ActorType == "" {
		rec.ActorType = domain.ActorSystem
	}

	if err := e.store.Append(ctx, rec); err != nil {
		slog.Error("append audit record",
			slog.String("action", rec.Action),
			slog.String("resource_type", rec.ResourceType),
			slog.Int64("resource_id", rec.ResourceID),
			slog.String("error", err.Error()),
		)
		return
	}

	slog.Info("audit",
		slog.String("action", rec.Action),
		slog.String("resource_type", rec.ResourceType),
		slog.Int64("resource_id", rec.ResourceID),
		slog.Int64("hospital_id", rec.HospitalID),
		slog.String("correlation_id", rec.CorrelationID),
	)
}
