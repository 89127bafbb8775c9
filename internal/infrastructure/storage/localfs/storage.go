package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

// Storage keeps completed objects under objects/<bucket>/<object> and in-progress
// resumable sessions under sessions/<id>.
type Storage struct {
	basePath string
	now      func() time.Time

	mu sync.Mutex
}

type sessionMeta struct {
	Bucket      string    `json:"bucket"`
	Object      string    `json:"object"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	for _, dir := range []string{"objects", "sessions"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &Storage{basePath: basePath, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Storage) CreateSession(_ context.Context, bucket, object, contentType string, size int64) (string, error) {
	if _, err := s.objectPath(bucket, object); err != nil {
		return "", err
	}
	if size <= 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "create session", fmt.Errorf("invalid size %d", size))
	}

	id := uuid.NewString()
	meta := sessionMeta{
		Bucket:      bucket,
		Object:      object,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeMeta(id, meta); err != nil {
		return "", err
	}
	f, err := os.Create(s.partPath(id))
	if err != nil {
		return "", fmt.Errorf("create session file: %w", err)
	}
	return id, f.Close()
}

func (s *Storage) SessionOffset(_ context.Context, sessionID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return 0, 0, err
	}
	if meta.Completed {
		return meta.Size, meta.Size, nil
	}
	offset, err := s.partSize(sessionID)
	if err != nil {
		return 0, 0, err
	}
	return offset, meta.Size, nil
}

// WriteChunk appends data at start. Bytes already stored are skipped, so a chunk whose
// response was lost can be sent again; a gap before start is a conflict.
func (s *Storage) WriteChunk(_ context.Context, sessionID string, start, total int64, data io.Reader) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(sessionID)
	if err != nil {
		return 0, false, err
	}
	if total != meta.Size {
		return 0, false, domain.WrapError(domain.ErrInvalidInput, "write chunk",
			fmt.Errorf("declared size %d does not match session size %d", total, meta.Size))
	}
	if meta.Completed {
		return meta.Size, true, nil
	}

	current, err := s.partSize(sessionID)
	if err != nil {
		return 0, false, err
	}
	if start > current {
		return current, false, domain.WrapError(domain.ErrConflict, "write chunk",
			fmt.Errorf("chunk starts at %d but session offset is %d", start, current))
	}
	if skip := current - start; skip > 0 {
		if _, err := io.CopyN(io.Discard, data, skip); err != nil && !errors.Is(err, io.EOF) {
			return current, false, fmt.Errorf("skip stored bytes: %w", err)
		}
	}

	f, err := os.OpenFile(s.partPath(sessionID), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return current, false, fmt.Errorf("open session file: %w", err)
	}
	written, copyErr := io.Copy(f, io.LimitReader(data, meta.Size-current))
	closeErr := f.Close()
	offset := current + written
	if copyErr != nil {
		return offset, false, fmt.Errorf("write chunk: %w", copyErr)
	}
	if closeErr != nil {
		return offset, false, fmt.Errorf("close session file: %w", closeErr)
	}
	if offset < meta.Size {
		return offset, false, nil
	}

	if err := s.complete(sessionID, meta); err != nil {
		return offset, false, err
	}
	return offset, true, nil
}

func (s *Storage) complete(sessionID string, meta sessionMeta) error {
	target, err := s.objectPath(meta.Bucket, meta.Object)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.Rename(s.partPath(sessionID), target); err != nil {
		return fmt.Errorf("move object into place: %w", err)
	}
	meta.Completed = true
	return s.writeMeta(sessionID, meta)
}

func (s *Storage) Stat(_ context.Context, bucket, object string) (int64, error) {
	p, err := s.objectPath(bucket, object)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, domain.WrapError(domain.ErrUploadNotFound, "stat object", fmt.Errorf("%s/%s", bucket, object))
	}
	if err != nil {
		return 0, fmt.Errorf("stat object: %w", err)
	}
	return info.Size(), nil
}

func (s *Storage) Open(_ context.Context, bucket, object string) (ports.StoredObject, error) {
	p, err := s.objectPath(bucket, object)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.WrapError(domain.ErrUploadNotFound, "open object", fmt.Errorf("%s/%s", bucket, object))
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) objectPath(bucket, object string) (string, error) {
	if !validName(bucket) || strings.Contains(bucket, "/") {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve object", fmt.Errorf("invalid bucket %q", bucket))
	}
	if !validName(object) {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve object", fmt.Errorf("invalid object name %q", object))
	}
	return filepath.Join(s.basePath, "objects", bucket, filepath.FromSlash(object)), nil
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	return path.Clean(name) == name && name != "." && !strings.HasPrefix(name, "../") && name != ".."
}

func (s *Storage) partPath(id string) string {
	return filepath.Join(s.basePath, "sessions", id+".part")
}

func (s *Storage) metaPath(id string) string {
	return filepath.Join(s.basePath, "sessions", id+".json")
}

func (s *Storage) readMeta(id string) (sessionMeta, error) {
	if uuid.Validate(id) != nil {
		return sessionMeta{}, domain.WrapError(domain.ErrSessionNotFound, "read session", fmt.Errorf("session %q", id))
	}
	raw, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return sessionMeta{}, domain.WrapError(domain.ErrSessionNotFound, "read session", fmt.Errorf("session %s", id))
	}
	if err != nil {
		return sessionMeta{}, fmt.Errorf("read session: %w", err)
	}
	var meta sessionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sessionMeta{}, fmt.Errorf("decode session: %w", err)
	}
	return meta, nil
}

func (s *Storage) writeMeta(id string, meta sessionMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(s.metaPath(id), raw, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (s *Storage) partSize(id string) (int64, error) {
	info, err := os.Stat(s.partPath(id))
	if err != nil {
		return 0, fmt.Errorf("stat session file: %w", err)
	}
	return info.Size(), nil
}
