package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/dicomproc/internal/domain"
)

type fakeAppender struct {
	records []domain.AuditRecord
	err     error
}

func (f *fakeAppender) Append(_ context.Context, rec domain.AuditRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func TestEmitMarshalsDetails(t *testing.T) {
	fa := &fakeAppender{}
	e := NewEmitter(fa)

	e.Emit(context.Background(), domain.AuditRecord{
		Action:       domain.ActionProcess,
		ResourceType: "ImagingStudy",
		ResourceID:   12,
		HospitalID:   3,
	}, map[string]any{"total_items": 4})

	require.Len(t, fa.records, 1)
	rec := fa.records[0]
	assert.Equal(t, domain.ActorSystem, rec.ActorType)
	assert.Equal(t, domain.ActionProcess, rec.Action)
	assert.JSONEq(t, `{"total_items": 4}`, string(rec.Details))
}

func TestEmitSwallowsStoreErrors(t *testing.T) {
	fa := &fakeAppender{err: assert.AnError}
	e := NewEmitter(fa)

	// Must not panic and must not propagate.
	e.Emit(context.Background(), domain.AuditRecord{Action: domain.ActionDelete}, nil)
	assert.Empty(t, fa.records)
}
