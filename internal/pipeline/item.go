package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/you-humble/dicomproc/internal/dicom"
	"github.com/you-humble/dicomproc/internal/domain"
)

// itemProcessor handles one uploaded file in full isolation: format
// detection, metadata extraction, dedup by SOP Instance UID, artifact
// rendering and persistence. Every failure is folded into the returned
// ItemResult so the batch never aborts.
type itemProcessor struct {
	images      ImageStore
	blob        BlobStore
	jpegQuality int
}

func newItemProcessor(images ImageStore, blob BlobStore, jpegQuality int) *itemProcessor {
	return &itemProcessor{images: images, blob: blob, jpegQuality: jpegQuality}
}

func (p *itemProcessor) Process(ctx context.Context, study domain.Study, item domain.BatchItem) domain.ItemResult {
	res := domain.ItemResult{
		Filename:       item.Filename,
		InstanceNumber: item.InstanceNumber,
	}

	if len(item.Content) == 0 {
		return itemError(res, fmt.Errorf("empty file %s", item.Filename))
	}

	if res.InstanceNumber <= 0 {
		next, err := p.images.NextInstanceNumber(ctx, study.ID)
		if err != nil {
			return itemError(res, fmt.Errorf("assign instance number: %w", err))
		}
		res.InstanceNumber = next
	}

	img := domain.Image{
		StudyID:        study.ID,
		InstanceNumber: res.InstanceNumber,
		FileSizeBytes:  int64(len(item.Content)),
		RescaleSlope:   1,
	}
	artifact := item.Content
	artifactName := genericArtifactName(study.ID, res.InstanceNumber, item.Filename)

	if dicom.Sniff(item.Content) {
		ds, err := dicom.Parse(item.Content)
		if err != nil {
			// Not a failure: the file falls back to generic handling.
			slog.Info("dicom parse failed, treating as generic image",
				slog.String("filename", item.Filename),
				slog.String("error", err.Error()),
			)
		} else {
			uid := ds.Meta.SOPInstanceUID
			exists, err := p.images.SOPInstanceExists(ctx, uid)
			if err != nil {
				return itemError(res, fmt.Errorf("dedup check: %w", err))
			}
			if exists {
				res.Outcome = domain.ItemSkipped
				res.Reason = "Duplicate SOP Instance UID"
				res.SOPInstanceUID = uid
				slog.Info("skipping duplicate DICOM",
					slog.String("filename", item.Filename),
					slog.String("sop_instance_uid", uid),
				)
				return res
			}

			img.IsDicom = true
			img.SOPInstanceUID = uid
			fillImageMeta(&img, ds)
			if snapshot, err := ds.MetadataJSON(); err == nil {
				img.Metadata = snapshot
			}
			res.SOPInstanceUID = uid

			if rendered, err := ds.EncodeJPEG(p.jpegQuality); err == nil {
				artifact = rendered
				artifactName = fmt.Sprintf("studies/%d/%d.jpg", study.ID, res.InstanceNumber)
			} else {
				// Conversion failure falls through to storing the original
				// bytes as the artifact.
				slog.Warn("dicom raster conversion failed, storing original bytes",
					slog.String("filename", item.Filename),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	path, err := p.blob.Save(ctx, artifactName, artifact)
	if err != nil {
		return itemError(res, fmt.Errorf("save artifact: %w", err))
	}
	img.ArtifactPath = path

	id, err := p.images.Create(ctx, img)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateSOPInstance) {
			// Lost the dedup race; the unique constraint is the authority.
			// No row references the artifact just saved, so remove it.
			if derr := p.blob.Delete(ctx, path); derr != nil {
				slog.Warn("remove orphaned artifact",
					slog.String("artifact_path", path),
					slog.String("error", derr.Error()),
				)
			}
			res.Outcome = domain.ItemSkipped
			res.Reason = "Duplicate SOP Instance UID"
			return res
		}
		return itemError(res, fmt.Errorf("persist image: %w", err))
	}

	res.Outcome = domain.ItemCreated
	res.ImageID = id
	slog.Info("created image",
		slog.String("filename", item.Filename),
		slog.Int64("image_id", id),
		slog.Int("instance_number", res.InstanceNumber),
		slog.Bool("is_dicom", img.IsDicom),
	)
	return res
}

func fillImageMeta(img *domain.Image, ds *dicom.Dataset) {
	m := ds.Meta
	img.SliceThickness = m.SliceThickness
	img.PixelSpacing = m.PixelSpacing
	img.SliceLocation = m.SliceLocation
	img.Rows = m.Rows
	img.Columns = m.Columns
	img.BitsAllocated = m.BitsAllocated
	img.BitsStored = m.BitsStored
	img.WindowCenter = m.WindowCenter
	img.WindowWidth = m.WindowWidth
	img.RescaleIntercept = m.RescaleIntercept
	img.RescaleSlope = m.RescaleSlope
	img.Manufacturer = m.Manufacturer
	img.ManufacturerModel = m.ManufacturerModel
}

func genericArtifactName(studyID int64, instanceNumber int, filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("studies/%d/%d%s", studyID, instanceNumber, ext)
}

func itemError(res domain.ItemResult, err error) domain.ItemResult {
	res.Outcome = domain.ItemError
	res.Error = err.Error()
	slog.Error("item processing failed",
		slog.String("filename", res.Filename),
		slog.String("error", err.Error()),
	)
	return res
}
