package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// UploadRepository persists server-side upload records.
type UploadRepository interface {
	// CreateOrGet inserts the record unless its idempotency key is already known,
	// in which case the stored record is returned with created=false.
	CreateOrGet(ctx context.Context, rec *domain.UploadRecord) (*domain.UploadRecord, bool, error)
	GetByID(ctx context.Context, id string) (*domain.UploadRecord, error)
	UpdateState(ctx context.Context, id string, state domain.IngestionState, errMessage string) error
	MarkFinalized(ctx context.Context, id string, at time.Time) error
	SaveInspection(ctx context.Context, id string, inspection domain.Inspection, duplicateOf string) error
	FindReadyByContentHash(ctx context.Context, hash, excludeID string) (*domain.UploadRecord, error)
}

// StoredObject is a readable, seekable view of a completed object.
type StoredObject interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// ResumableStorage is the server side of the resumable transfer protocol.
type ResumableStorage interface {
	CreateSession(ctx context.Context, bucket, object, contentType string, size int64) (string, error)
	SessionOffset(ctx context.Context, sessionID string) (offset, total int64, err error)
	WriteChunk(ctx context.Context, sessionID string, start, total int64, data io.Reader) (offset int64, complete bool, err error)
	Stat(ctx context.Context, bucket, object string) (int64, error)
	Open(ctx context.Context, bucket, object string) (StoredObject, error)
}

// MessageQueue publishes/consumes upload finalization events.
type MessageQueue interface {
	PublishUploadFinalized(ctx context.Context, uploadID string) error
	SubscribeUploadFinalized(ctx context.Context, handler func(context.Context, string) error) error
}

// ObjectInspector validates a stored object for the ingestion pipeline.
type ObjectInspector interface {
	Inspect(ctx context.Context, contentType string, object StoredObject, size int64) (domain.Inspection, error)
}

// CredentialBroker mints a fresh upload credential on every call.
type CredentialBroker interface {
	Acquire(ctx context.Context) (domain.Credential, error)
}

// UploadNegotiator performs the two calls bracketing the byte transfer.
type UploadNegotiator interface {
	Init(ctx context.Context, file domain.FileDescriptor, idempotencyKey string) (domain.InitResult, error)
	Finalize(ctx context.Context, serverUploadID string) error
}

// StatusSource reads the ingestion status of a finalized upload.
type StatusSource interface {
	Status(ctx context.Context, serverUploadID string) (domain.StatusReport, error)
}

// TransferTarget is the client side of a resumable object-storage protocol.
type TransferTarget interface {
	CreateSession(ctx context.Context, dest domain.InitResult, file domain.FileDescriptor, cred domain.Credential) (string, error)
	// QueryOffset returns the committed byte offset of a session, or domain.ErrSessionNotFound.
	QueryOffset(ctx context.Context, locator string, file domain.FileDescriptor, cred domain.Credential) (int64, error)
	// PutChunk sends one chunk and returns the committed offset reported by storage.
	PutChunk(ctx context.Context, locator string, chunk domain.Chunk, cred domain.Credential) (int64, error)
	// Commit completes the object once every byte was accepted.
	Commit(ctx context.Context, locator string, file domain.FileDescriptor, cred domain.Credential) error
}

// ParallelTransferTarget is implemented by targets that accept chunks out of order.
type ParallelTransferTarget interface {
	TransferTarget
	SupportsParallelChunks() bool
}

// SessionStore is the local key-value store used for resumption across restarts.
type SessionStore interface {
	Get(ctx context.Context, signature string) (domain.TransferSession, bool, error)
	Put(ctx context.Context, session domain.TransferSession) error
	Delete(ctx context.Context, signature string) error
}
