package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// Finalize hands a completely transferred object to ingestion. Finalizing an upload that
// already left the initiated state returns it unchanged.
func (uc *UploadUseCase) Finalize(ctx context.Context, uploadID string) (*domain.UploadRecord, error) {
	rec, err := uc.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.IngestionInitiated {
		return rec, nil
	}

	size, err := uc.storage.Stat(ctx, rec.Bucket, rec.ObjectKey)
	switch {
	case domain.IsKind(err, domain.ErrUploadNotFound):
		return nil, uc.reject(rec, errors.New("object transfer is not complete"))
	case err != nil:
		return nil, fmt.Errorf("stat uploaded object: %w", err)
	case size != rec.Size:
		return nil, uc.reject(rec, fmt.Errorf("stored object has %d bytes, expected %d", size, rec.Size))
	}

	now := uc.now()
	if err := uc.repo.MarkFinalized(ctx, rec.ID, now); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			// A concurrent finalize won the race.
			return uc.GetByID(ctx, rec.ID)
		}
		return nil, fmt.Errorf("mark upload finalized: %w", err)
	}

	if err := uc.queue.PublishUploadFinalized(ctx, rec.ID); err != nil {
		if revertErr := uc.repo.UpdateState(ctx, rec.ID, domain.IngestionInitiated, ""); revertErr != nil {
			return nil, fmt.Errorf("publish finalize event: %w; revert state: %v", err, revertErr)
		}
		if domain.IsKind(err, domain.ErrTemporary) {
			return nil, fmt.Errorf("publish finalize event: %w", err)
		}
		return nil, domain.WrapError(domain.ErrTemporary, "publish finalize event", err)
	}

	rec.State = domain.IngestionQueued
	rec.Error = ""
	rec.FinalizedAt = &now
	rec.UpdatedAt = now
	uc.logger.Info("upload_finalized", "upload_id", rec.ID, "object", rec.ObjectKey)
	return rec, nil
}

// reject leaves whatever was stored in place; orphaned objects have no retention policy.
func (uc *UploadUseCase) reject(rec *domain.UploadRecord, cause error) error {
	uc.logger.Warn("finalize_rejected",
		"upload_id", rec.ID,
		"bucket", rec.Bucket,
		"object", rec.ObjectKey,
		"error", cause,
	)
	return domain.WrapError(domain.ErrInvalidInput, "finalize upload", cause)
}
