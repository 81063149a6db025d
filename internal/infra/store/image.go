package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you-humble/dicomproc/internal/domain"
)

type ImageStore struct {
	pool *pgxpool.Pool
}

func NewImageStore(pool *pgxpool.Pool) *ImageStore {
	return &ImageStore{pool: pool}
}

// NextInstanceNumber returns max(instance_number)+1 for the study, starting
// at 1 for an empty study.
func (s *ImageStore) NextInstanceNumber(ctx context.Context, studyID int64) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(instance_number), 0) + 1 FROM dicom_images WHERE study_id = $1`,
		studyID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next instance number for study %d: %w", studyID, err)
	}
	return next, nil
}

// SOPInstanceExists is the dedup pre-check. The unique constraint on the
// column stays the final authority under races.
func (s *ImageStore) SOPInstanceExists(ctx context.Context, sopInstanceUID string) (bool, error) {
	if sopInstanceUID == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dicom_images WHERE sop_instance_uid = $1)`,
		sopInstanceUID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check sop instance uid: %w", err)
	}
	return exists, nil
}

// Create persists one image row. A unique violation on sop_instance_uid maps
// to domain.ErrDuplicateSOPInstance so a race that slips past the pre-check
// stays an item-level error.
func (s *ImageStore) Create(ctx context.Context, img domain.Image) (int64, error) {
	var sop any
	if img.SOPInstanceUID != "" {
		sop = img.SOPInstanceUID
	}
	metadata := img.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dicom_images (
			study_id, instance_number, artifact_path, file_size_bytes, is_dicom,
			slice_thickness, pixel_spacing, slice_location,
			rows, columns, bits_allocated, bits_stored,
			window_center, window_width, rescale_intercept, rescale_slope,
			manufacturer, manufacturer_model, sop_instance_uid, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING id`,
		img.StudyID, img.InstanceNumber, img.ArtifactPath, img.FileSizeBytes, img.IsDicom,
		img.SliceThickness, img.PixelSpacing, img.SliceLocation,
		img.Rows, img.Columns, img.BitsAllocated, img.BitsStored,
		img.WindowCenter, img.WindowWidth, img.RescaleIntercept, img.RescaleSlope,
		img.Manufacturer, img.ManufacturerModel, sop, metadata,
	).Scan(&id)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "dicom_images_sop_instance_uid_key" {
				return 0, domain.ErrDuplicateSOPInstance
			}
			return 0, fmt.Errorf("instance number %d already used in study %d: %w",
				img.InstanceNumber, img.StudyID, err)
		}
		return 0, fmt.Errorf("insert image: %w", err)
	}
	return id, nil
}

func (s *ImageStore) CountByStudy(ctx context.Context, studyID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dicom_images WHERE study_id = $1`, studyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count images for study %d: %w", studyID, err)
	}
	return n, nil
}

// ArtifactPaths lists blob paths for a study so a purge can remove the bytes
// after the rows cascade away.
func (s *ImageStore) ArtifactPaths(ctx context.Context, studyID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT artifact_path FROM dicom_images WHERE study_id = $1`, studyID)
	if err != nil {
		return nil, fmt.Errorf("select artifact paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan artifact path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact paths: %w", err)
	}
	return paths, nil
}

func (s *ImageStore) ByStudy(ctx context.Context, studyID int64) ([]domain.Image, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, study_id, instance_number, artifact_path, file_size_bytes, is_dicom,
			slice_thickness, pixel_spacing, slice_location,
			rows, columns, bits_allocated, bits_stored,
			window_center, window_width, rescale_intercept, rescale_slope,
			manufacturer, manufacturer_model, COALESCE(sop_instance_uid, ''), metadata, uploaded_at
		 FROM dicom_images WHERE study_id = $1 ORDER BY instance_number`, studyID)
	if err != nil {
		return nil, fmt.Errorf("select images by study: %w", err)
	}
	defer rows.Close()

	var out []domain.Image
	for rows.Next() {
		var img domain.Image
		err := rows.Scan(
			&img.ID, &img.StudyID, &img.InstanceNumber, &img.ArtifactPath,
			&img.FileSizeBytes, &img.IsDicom,
			&img.SliceThickness, &img.PixelSpacing, &img.SliceLocation,
			&img.Rows, &img.Columns, &img.BitsAllocated, &img.BitsStored,
			&img.WindowCenter, &img.WindowWidth, &img.RescaleIntercept, &img.RescaleSlope,
			&img.Manufacturer, &img.ManufacturerModel, &img.SOPInstanceUID,
			&img.Metadata, &img.UploadedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				break
			}
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return out, nil
}
