package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

type repoFake struct {
	mu        sync.Mutex
	byID      map[string]*domain.UploadRecord
	createErr error
	updateErr error
	states    []domain.IngestionState
}

func newRepoFake() *repoFake {
	return &repoFake{byID: make(map[string]*domain.UploadRecord)}
}

func (f *repoFake) put(rec *domain.UploadRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyRec := *rec
	f.byID[rec.ID] = &copyRec
}

func (f *repoFake) get(id string) domain.UploadRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *repoFake) CreateOrGet(_ context.Context, rec *domain.UploadRecord) (*domain.UploadRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, false, f.createErr
	}
	for _, existing := range f.byID {
		if existing.IdempotencyKey == rec.IdempotencyKey {
			copyRec := *existing
			return &copyRec, false, nil
		}
	}
	copyRec := *rec
	f.byID[rec.ID] = &copyRec
	return rec, true, nil
}

func (f *repoFake) GetByID(_ context.Context, id string) (*domain.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrUploadNotFound, "get upload", fmt.Errorf("no upload %s", id))
	}
	copyRec := *rec
	return &copyRec, nil
}

func (f *repoFake) UpdateState(_ context.Context, id string, state domain.IngestionState, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	if f.updateErr != nil && state != domain.IngestionFailed {
		return f.updateErr
	}
	rec, ok := f.byID[id]
	if !ok {
		return domain.WrapError(domain.ErrUploadNotFound, "update upload state", fmt.Errorf("no upload %s", id))
	}
	rec.State = state
	rec.Error = errMessage
	return nil
}

func (f *repoFake) MarkFinalized(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return domain.WrapError(domain.ErrUploadNotFound, "mark upload finalized", fmt.Errorf("no upload %s", id))
	}
	if rec.State != domain.IngestionInitiated {
		return domain.WrapError(domain.ErrConflict, "mark upload finalized", errors.New("not initiated"))
	}
	rec.State = domain.IngestionQueued
	rec.FinalizedAt = &at
	return nil
}

func (f *repoFake) SaveInspection(_ context.Context, id string, inspection domain.Inspection, duplicateOf string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.byID[id]
	rec.ContentHash = inspection.ContentHash
	rec.PageCount = inspection.PageCount
	rec.Sheets = inspection.Sheets
	rec.DuplicateOf = duplicateOf
	return nil
}

func (f *repoFake) FindReadyByContentHash(_ context.Context, hash, excludeID string) (*domain.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.byID {
		if rec.ContentHash == hash && rec.State == domain.IngestionReady && rec.ID != excludeID {
			copyRec := *rec
			return &copyRec, nil
		}
	}
	return nil, domain.WrapError(domain.ErrUploadNotFound, "find by hash", errors.New("none"))
}

type storageFake struct {
	objects map[string][]byte
	statErr error
}

func (f *storageFake) CreateSession(context.Context, string, string, string, int64) (string, error) {
	return "", errors.New("not implemented")
}

func (f *storageFake) SessionOffset(context.Context, string) (int64, int64, error) {
	return 0, 0, errors.New("not implemented")
}

func (f *storageFake) WriteChunk(context.Context, string, int64, int64, io.Reader) (int64, bool, error) {
	return 0, false, errors.New("not implemented")
}

func (f *storageFake) Stat(_ context.Context, bucket, object string) (int64, error) {
	if f.statErr != nil {
		return 0, f.statErr
	}
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return 0, domain.WrapError(domain.ErrUploadNotFound, "stat object", errors.New("missing"))
	}
	return int64(len(data)), nil
}

func (f *storageFake) Open(_ context.Context, bucket, object string) (ports.StoredObject, error) {
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return nil, domain.WrapError(domain.ErrUploadNotFound, "open object", errors.New("missing"))
	}
	return storedObject{Reader: bytes.NewReader(data)}, nil
}

type storedObject struct {
	*bytes.Reader
}

func (storedObject) Close() error { return nil }

type queueFake struct {
	published []string
	err       error
}

func (f *queueFake) PublishUploadFinalized(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, id)
	return nil
}

func (f *queueFake) SubscribeUploadFinalized(context.Context, func(context.Context, string) error) error {
	return nil
}

type inspectorFake struct {
	inspection domain.Inspection
	err        error
	seen       []byte
}

func (f *inspectorFake) Inspect(_ context.Context, _ string, object ports.StoredObject, size int64) (domain.Inspection, error) {
	raw, err := io.ReadAll(io.NewSectionReader(object, 0, size))
	if err != nil {
		return domain.Inspection{}, err
	}
	f.seen = raw
	if f.err != nil {
		return domain.Inspection{}, f.err
	}
	return f.inspection, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
