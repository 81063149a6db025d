package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you-humble/dicomproc/internal/domain"
)

// AuditStore is append-only. Records outlive the resources they describe,
// which is the whole point: a purge audits first, deletes second.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) Append(ctx context.Context, rec domain.AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (actor_type, actor_id, action, resource_type, resource_id,
			hospital_id, correlation_id, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ActorType, rec.ActorID, rec.Action, rec.ResourceType, rec.ResourceID,
		rec.HospitalID, rec.CorrelationID, rec.Details)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *AuditStore) ByResource(ctx context.Context, resourceType string, resourceID int64) ([]domain.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor_type, actor_id, action, resource_type, resource_id,
		        hospital_id, correlation_id, details, created_at
		 FROM audit_log
		 WHERE resource_type = $1 AND resource_id = $2
		 ORDER BY created_at DESC`,
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("select audit records: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		err := rows.Scan(
			&rec.ID, &rec.ActorType, &rec.ActorID, &rec.Action, &rec.ResourceType,
			&rec.ResourceID, &rec.HospitalID, &rec.CorrelationID, &rec.Details,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}
