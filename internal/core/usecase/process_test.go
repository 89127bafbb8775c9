package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

func queuedRecord(id string) *domain.UploadRecord {
	rec := initiatedRecord()
	rec.ID = id
	rec.IdempotencyKey = "key-" + id
	rec.ObjectKey = id + "/a.txt"
	rec.State = domain.IngestionQueued
	return rec
}

func TestProcessByIDSuccess(t *testing.T) {
	repo := newRepoFake()
	repo.put(queuedRecord("u-1"))
	storage := &storageFake{objects: map[string][]byte{"documents/u-1/a.txt": []byte("hello")}}
	inspector := &inspectorFake{inspection: domain.Inspection{ContentHash: "h1", PageCount: 2}}
	uc := NewProcessUploadUseCase(repo, storage, inspector, discardLogger())

	if err := uc.ProcessByID(context.Background(), "u-1"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	got := repo.get("u-1")
	if got.State != domain.IngestionReady || got.ContentHash != "h1" || got.PageCount != 2 || got.DuplicateOf != "" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if string(inspector.seen) != "hello" {
		t.Fatalf("inspector saw %q", inspector.seen)
	}
	want := []domain.IngestionState{domain.IngestionProcessing, domain.IngestionReady}
	if len(repo.states) != len(want) || repo.states[0] != want[0] || repo.states[1] != want[1] {
		t.Fatalf("unexpected state sequence: %v", repo.states)
	}
}

func TestProcessByIDDetectsDuplicate(t *testing.T) {
	repo := newRepoFake()
	existing := queuedRecord("u-0")
	existing.State = domain.IngestionReady
	existing.ContentHash = "same"
	repo.put(existing)
	repo.put(queuedRecord("u-1"))
	storage := &storageFake{objects: map[string][]byte{"documents/u-1/a.txt": []byte("hello")}}
	uc := NewProcessUploadUseCase(repo, storage, &inspectorFake{inspection: domain.Inspection{ContentHash: "same"}}, discardLogger())

	if err := uc.ProcessByID(context.Background(), "u-1"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	got := repo.get("u-1")
	if got.State != domain.IngestionReady || got.DuplicateOf != "u-0" {
		t.Fatalf("expected duplicate of u-0, got %+v", got)
	}
	report := got.StatusReport()
	if report.Dedup == nil || !report.Dedup.Duplicate {
		t.Fatalf("expected dedup in status report, got %+v", report)
	}
}

func TestProcessByIDMarksFailedWithMessage(t *testing.T) {
	repo := newRepoFake()
	repo.put(queuedRecord("u-1"))
	storage := &storageFake{objects: map[string][]byte{"documents/u-1/a.txt": []byte("hello")}}
	inspectErr := domain.WrapError(domain.ErrInvalidInput, "inspect pdf", errors.New("document has no pages"))
	uc := NewProcessUploadUseCase(repo, storage, &inspectorFake{err: inspectErr}, discardLogger())

	err := uc.ProcessByID(context.Background(), "u-1")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected inspection error, got %v", err)
	}
	got := repo.get("u-1")
	if got.State != domain.IngestionFailed || got.Error != err.Error() {
		t.Fatalf("expected failed with message, got %+v", got)
	}
}

func TestProcessByIDMissingObjectFails(t *testing.T) {
	repo := newRepoFake()
	repo.put(queuedRecord("u-1"))
	uc := NewProcessUploadUseCase(repo, &storageFake{objects: map[string][]byte{}}, &inspectorFake{}, discardLogger())

	if err := uc.ProcessByID(context.Background(), "u-1"); !domain.IsKind(err, domain.ErrUploadNotFound) {
		t.Fatalf("expected ErrUploadNotFound, got %v", err)
	}
	if got := repo.get("u-1").State; got != domain.IngestionFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestProcessByIDSkipsTerminalAndRejectsInitiated(t *testing.T) {
	repo := newRepoFake()
	ready := queuedRecord("u-1")
	ready.State = domain.IngestionReady
	repo.put(ready)
	pending := queuedRecord("u-2")
	pending.State = domain.IngestionInitiated
	repo.put(pending)
	uc := NewProcessUploadUseCase(repo, &storageFake{}, &inspectorFake{}, discardLogger())

	if err := uc.ProcessByID(context.Background(), "u-1"); err != nil {
		t.Fatalf("expected redelivery of a ready upload to be skipped, got %v", err)
	}
	if err := uc.ProcessByID(context.Background(), "u-2"); !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for an initiated upload, got %v", err)
	}
	if len(repo.states) != 0 {
		t.Fatalf("expected no state changes, got %v", repo.states)
	}
}

func TestProcessByIDReportsMarkFailedError(t *testing.T) {
	repo := newRepoFake()
	repo.put(queuedRecord("u-1"))
	repo.updateErr = errors.New("db down")
	uc := NewProcessUploadUseCase(repo, &storageFake{}, &inspectorFake{}, discardLogger())

	if err := uc.ProcessByID(context.Background(), "u-1"); err == nil {
		t.Fatalf("expected error when processing state cannot be set")
	}
}
