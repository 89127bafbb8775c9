package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

// ProcessUploadUseCase is the ingestion side of FINALIZE: it validates a stored object
// and moves its record to ready or failed.
type ProcessUploadUseCase struct {
	repo      ports.UploadRepository
	storage   ports.ResumableStorage
	inspector ports.ObjectInspector
	logger    *slog.Logger
}

func NewProcessUploadUseCase(
	repo ports.UploadRepository,
	storage ports.ResumableStorage,
	inspector ports.ObjectInspector,
	logger *slog.Logger,
) *ProcessUploadUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessUploadUseCase{
		repo:      repo,
		storage:   storage,
		inspector: inspector,
		logger:    logger,
	}
}

func (uc *ProcessUploadUseCase) ProcessByID(ctx context.Context, uploadID string) error {
	rec, err := uc.repo.GetByID(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("fetch upload by id: %w", err)
	}
	switch {
	case rec.State.Terminal():
		uc.logger.Info("ingestion_skipped", "upload_id", uploadID, "state", string(rec.State))
		return nil
	case rec.State == domain.IngestionInitiated:
		return domain.WrapError(domain.ErrConflict, "process upload", fmt.Errorf("upload %s is not finalized", uploadID))
	}

	if err := uc.markStatus(ctx, uploadID, domain.IngestionProcessing, ""); err != nil {
		return fmt.Errorf("set state=processing: %w", err)
	}

	duplicateOf, err := uc.processPipeline(ctx, rec)
	if err != nil {
		if failErr := uc.markFailed(ctx, uploadID, err); failErr != nil {
			return fmt.Errorf("%w; mark failed state: %v", err, failErr)
		}
		return err
	}

	if err := uc.markStatus(ctx, uploadID, domain.IngestionReady, ""); err != nil {
		return fmt.Errorf("set state=ready: %w", err)
	}
	uc.logger.Info("ingestion_ready", "upload_id", uploadID, "duplicate_of", duplicateOf)
	return nil
}

func (uc *ProcessUploadUseCase) processPipeline(ctx context.Context, rec *domain.UploadRecord) (string, error) {
	inspection, err := uc.inspect(ctx, rec)
	if err != nil {
		return "", err
	}

	duplicateOf, err := uc.findDuplicate(ctx, rec.ID, inspection.ContentHash)
	if err != nil {
		return "", err
	}

	if err := uc.repo.SaveInspection(ctx, rec.ID, inspection, duplicateOf); err != nil {
		return "", fmt.Errorf("save inspection: %w", err)
	}
	return duplicateOf, nil
}

func (uc *ProcessUploadUseCase) inspect(ctx context.Context, rec *domain.UploadRecord) (domain.Inspection, error) {
	object, err := uc.storage.Open(ctx, rec.Bucket, rec.ObjectKey)
	if err != nil {
		return domain.Inspection{}, fmt.Errorf("open stored object: %w", err)
	}
	defer object.Close()

	inspection, err := uc.inspector.Inspect(ctx, rec.ContentType, object, rec.Size)
	if err != nil {
		return domain.Inspection{}, fmt.Errorf("inspect %s: %w", rec.Filename, err)
	}
	return inspection, nil
}

func (uc *ProcessUploadUseCase) findDuplicate(ctx context.Context, uploadID, contentHash string) (string, error) {
	if contentHash == "" {
		return "", nil
	}
	existing, err := uc.repo.FindReadyByContentHash(ctx, contentHash, uploadID)
	if err != nil {
		if domain.IsKind(err, domain.ErrUploadNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("find duplicate upload: %w", err)
	}
	return existing.ID, nil
}

func (uc *ProcessUploadUseCase) markStatus(ctx context.Context, uploadID string, state domain.IngestionState, errMessage string) error {
	return uc.repo.UpdateState(ctx, uploadID, state, errMessage)
}

func (uc *ProcessUploadUseCase) markFailed(ctx context.Context, uploadID string, processErr error) error {
	if processErr == nil {
		return nil
	}
	uc.logger.Warn("ingestion_failed", "upload_id", uploadID, "error", processErr)
	return uc.markStatus(ctx, uploadID, domain.IngestionFailed, processErr.Error())
}
