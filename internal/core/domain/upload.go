package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadUploading  UploadStatus = "uploading"
	UploadProcessing UploadStatus = "processing"
	UploadReady      UploadStatus = "ready"
	UploadFailed     UploadStatus = "failed"
)

// Terminal reports whether no further automatic transition can happen.
func (s UploadStatus) Terminal() bool {
	return s == UploadReady || s == UploadFailed
}

type UploadEvent string

const (
	EventStart           UploadEvent = "start"
	EventTransferDone    UploadEvent = "transfer_done"
	EventUploadFailed    UploadEvent = "upload_failed"
	EventFinalizeFailed  UploadEvent = "finalize_failed"
	EventIngestionReady  UploadEvent = "ingestion_ready"
	EventIngestionFailed UploadEvent = "ingestion_failed"
	EventPollTimeout     UploadEvent = "poll_timeout"
	EventCancel          UploadEvent = "cancel"
)

var uploadTransitions = map[UploadStatus]map[UploadEvent]UploadStatus{
	UploadPending: {
		EventStart:  UploadUploading,
		EventCancel: UploadFailed,
	},
	UploadUploading: {
		EventTransferDone: UploadProcessing,
		EventUploadFailed: UploadFailed,
		EventCancel:       UploadFailed,
	},
	UploadProcessing: {
		EventFinalizeFailed:  UploadFailed,
		EventIngestionReady:  UploadReady,
		EventIngestionFailed: UploadFailed,
		EventPollTimeout:     UploadFailed,
		EventCancel:          UploadFailed,
	},
}

// NextStatus resolves a transition of the upload item state machine.
func NextStatus(from UploadStatus, event UploadEvent) (UploadStatus, error) {
	next, ok := uploadTransitions[from][event]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	return next, nil
}

// FileDescriptor is immutable once an item is created.
type FileDescriptor struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	// Fingerprint is a client-side digest of the content. It never leaves the client.
	Fingerprint string `json:"-"`
}

// Signature identifies the same file across process restarts for session resumption.
// Files that share name, size and type but differ in content get different signatures
// once Fingerprint is set.
func (d FileDescriptor) Signature() string {
	sum := sha256.Sum256([]byte(d.Name + "\x00" + strconv.FormatInt(d.Size, 10) + "\x00" +
		NormalizeContentType(d.ContentType) + "\x00" + d.Fingerprint))
	return hex.EncodeToString(sum[:])
}

// NormalizeContentType drops media type parameters and lowercases the result.
func NormalizeContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// DefaultTitle is the file name without directory and extension.
func DefaultTitle(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

type DedupInfo struct {
	Duplicate  bool   `json:"duplicate"`
	ExistingID string `json:"existing_id,omitempty"`
}

// UploadItem is the per-file state container observed by the presentation layer.
type UploadItem struct {
	ID             string         `json:"id"`
	File           FileDescriptor `json:"file"`
	Title          string         `json:"title"`
	Status         UploadStatus   `json:"status"`
	Progress       int            `json:"progress"`
	ServerUploadID string         `json:"server_upload_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Error          string         `json:"error,omitempty"`
	Dedup          *DedupInfo     `json:"dedup,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func NewUploadItem(id string, file FileDescriptor, title string, now time.Time) *UploadItem {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle(file.Name)
	}
	return &UploadItem{
		ID:        id,
		File:      file,
		Title:     title,
		Status:    UploadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply moves the item along the state machine. Entering processing pins progress at 100.
func (it *UploadItem) Apply(event UploadEvent, now time.Time) error {
	next, err := NextStatus(it.Status, event)
	if err != nil {
		return err
	}
	it.Status = next
	it.UpdatedAt = now
	if next == UploadProcessing {
		it.Progress = 100
	}
	return nil
}

// Fail applies a failing event and records the human-readable cause.
func (it *UploadItem) Fail(event UploadEvent, cause string, now time.Time) error {
	if err := it.Apply(event, now); err != nil {
		return err
	}
	if it.Status != UploadFailed {
		return fmt.Errorf("%w: %s does not fail from %s", ErrInvalidTransition, event, it.Status)
	}
	if strings.TrimSpace(cause) == "" {
		cause = "upload failed"
	}
	it.Error = cause
	return nil
}

// SetProgress records transfer progress. Values outside uploading, below the current
// value or above 100 are ignored or clamped, so progress never goes backward.
func (it *UploadItem) SetProgress(percent int, now time.Time) bool {
	if it.Status != UploadUploading {
		return false
	}
	if percent > 100 {
		percent = 100
	}
	if percent <= it.Progress {
		return false
	}
	it.Progress = percent
	it.UpdatedAt = now
	return true
}

// AssignServerUploadID sets the INIT id. It never changes once assigned.
func (it *UploadItem) AssignServerUploadID(id string) error {
	if strings.TrimSpace(id) == "" {
		return WrapError(ErrInvalidInput, "assign server upload id", fmt.Errorf("empty id"))
	}
	if it.ServerUploadID != "" && it.ServerUploadID != id {
		return WrapError(ErrConflict, "assign server upload id", fmt.Errorf("already assigned %s", it.ServerUploadID))
	}
	it.ServerUploadID = id
	return nil
}
