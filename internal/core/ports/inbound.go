package ports

import (
	"context"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// UploadService is the inbound contract of the upload API: INIT, FINALIZE and STATUS.
type UploadService interface {
	Init(ctx context.Context, file domain.FileDescriptor, idempotencyKey string) (*domain.UploadRecord, bool, error)
	Finalize(ctx context.Context, uploadID string) (*domain.UploadRecord, error)
	Status(ctx context.Context, uploadID string) (domain.StatusReport, error)
	GetByID(ctx context.Context, uploadID string) (*domain.UploadRecord, error)
}

// UploadProcessor is the inbound contract for asynchronous ingestion of a finalized upload.
type UploadProcessor interface {
	ProcessByID(ctx context.Context, uploadID string) error
}

// CredentialIssuer mints and verifies short-lived storage credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, subject string) (domain.Credential, error)
	Verify(ctx context.Context, token string) error
}
