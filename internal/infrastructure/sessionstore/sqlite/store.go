package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists transfer sessions in a SQLite file so uploads resume after a restart.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create session db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session tables: %w", err)
	}
	return store, nil
}

func (s *Store) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS transfer_sessions (
		signature TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		bucket TEXT NOT NULL DEFAULT '',
		object TEXT NOT NULL DEFAULT '',
		locator TEXT NOT NULL DEFAULT '',
		offset_bytes INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);`)
	return err
}

func (s *Store) Get(ctx context.Context, signature string) (domain.TransferSession, bool, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT signature, idempotency_key, bucket, object, locator, offset_bytes, updated_at
	FROM transfer_sessions WHERE signature = ?`, signature)

	var sess domain.TransferSession
	var updatedAt string
	err := row.Scan(&sess.Signature, &sess.IdempotencyKey, &sess.Bucket, &sess.ObjectHandle, &sess.Locator, &sess.Offset, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransferSession{}, false, nil
	}
	if err != nil {
		return domain.TransferSession{}, false, fmt.Errorf("get transfer session: %w", err)
	}
	sess.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return domain.TransferSession{}, false, fmt.Errorf("parse updated_at: %w", err)
	}
	return sess, true, nil
}

func (s *Store) Put(ctx context.Context, session domain.TransferSession) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO transfer_sessions (signature, idempotency_key, bucket, object, locator, offset_bytes, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(signature) DO UPDATE SET
		idempotency_key = excluded.idempotency_key,
		bucket = excluded.bucket,
		object = excluded.object,
		locator = excluded.locator,
		offset_bytes = excluded.offset_bytes,
		updated_at = excluded.updated_at`,
		session.Signature, session.IdempotencyKey, session.Bucket, session.ObjectHandle,
		session.Locator, session.Offset, session.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put transfer session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, signature string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transfer_sessions WHERE signature = ?`, signature); err != nil {
		return fmt.Errorf("delete transfer session: %w", err)
	}
	return nil
}

// Prune drops sessions not updated since before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transfer_sessions WHERE updated_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune transfer sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
