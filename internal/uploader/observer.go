package uploader

import (
	"time"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// Observer receives pipeline events, typically to feed metrics.
type Observer interface {
	UploadStarted()
	// UploadFinished follows every UploadStarted exactly once.
	UploadFinished(status domain.UploadStatus, elapsed time.Duration)
	ChunkSent(bytes int)
	CredentialRefreshed()
	PollAttempt()
}

type nopObserver struct{}

func (nopObserver) UploadStarted()                                    {}
func (nopObserver) UploadFinished(domain.UploadStatus, time.Duration) {}
func (nopObserver) ChunkSent(int)                                     {}
func (nopObserver) CredentialRefreshed()                              {}
func (nopObserver) PollAttempt()                                      {}
