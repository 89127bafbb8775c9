package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

const maxIdempotencyKeyLen = 200

type UploadUseCase struct {
	repo    ports.UploadRepository
	storage ports.ResumableStorage
	queue   ports.MessageQueue
	policy  domain.AdmissionPolicy
	bucket  string
	logger  *slog.Logger
	now     func() time.Time
}

func NewUploadUseCase(
	repo ports.UploadRepository,
	storage ports.ResumableStorage,
	queue ports.MessageQueue,
	policy domain.AdmissionPolicy,
	bucket string,
	logger *slog.Logger,
) *UploadUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
		policy:  policy,
		bucket:  bucket,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Init registers an intended upload. A known idempotency key returns the stored record with created=false.
func (uc *UploadUseCase) Init(ctx context.Context, file domain.FileDescriptor, idempotencyKey string) (*domain.UploadRecord, bool, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return nil, false, domain.WrapError(domain.ErrInvalidInput, "init upload", errors.New("idempotency key is required"))
	}
	if len(key) > maxIdempotencyKeyLen {
		return nil, false, domain.WrapError(domain.ErrInvalidInput, "init upload", fmt.Errorf("idempotency key longer than %d bytes", maxIdempotencyKeyLen))
	}
	file.ContentType = domain.NormalizeContentType(file.ContentType)
	if err := uc.policy.Check(file); err != nil {
		return nil, false, domain.WrapError(domain.ErrInvalidInput, "init upload", err)
	}

	id := uuid.NewString()
	now := uc.now()
	rec := &domain.UploadRecord{
		ID:             id,
		IdempotencyKey: key,
		Filename:       file.Name,
		ContentType:    file.ContentType,
		Size:           file.Size,
		Bucket:         uc.bucket,
		ObjectKey:      id + "/" + sanitizeFilename(file.Name),
		State:          domain.IngestionInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := uc.repo.CreateOrGet(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("create upload record: %w", err)
	}
	if !created {
		if !sameFile(stored.Descriptor(), file) {
			return nil, false, domain.WrapError(domain.ErrConflict, "init upload",
				fmt.Errorf("idempotency key already used for %s", stored.Filename))
		}
		uc.logger.Info("upload_init_collapsed", "upload_id", stored.ID, "state", string(stored.State))
		return stored, false, nil
	}

	uc.logger.Info("upload_initiated",
		"upload_id", stored.ID,
		"filename", stored.Filename,
		"size", stored.Size,
		"content_type", stored.ContentType,
	)
	return stored, true, nil
}

func (uc *UploadUseCase) Status(ctx context.Context, uploadID string) (domain.StatusReport, error) {
	rec, err := uc.GetByID(ctx, uploadID)
	if err != nil {
		return domain.StatusReport{}, err
	}
	return rec.StatusReport(), nil
}

func (uc *UploadUseCase) GetByID(ctx context.Context, uploadID string) (*domain.UploadRecord, error) {
	if strings.TrimSpace(uploadID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get upload", errors.New("upload id is required"))
	}
	rec, err := uc.repo.GetByID(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("fetch upload by id: %w", err)
	}
	return rec, nil
}

func sameFile(a, b domain.FileDescriptor) bool {
	return a.Name == b.Name &&
		a.Size == b.Size &&
		domain.NormalizeContentType(a.ContentType) == domain.NormalizeContentType(b.ContentType)
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.bin"
	}
	return base
}
