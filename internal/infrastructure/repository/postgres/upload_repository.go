package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

type UploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *UploadRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS uploads (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size BIGINT NOT NULL,
	bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	state TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	duplicate_of TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL DEFAULT 0,
	sheets JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	finalized_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_uploads_idempotency_key ON uploads(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_uploads_ready_hash ON uploads(content_hash) WHERE state = 'ready';
CREATE INDEX IF NOT EXISTS idx_uploads_state ON uploads(state);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const uploadColumns = `id, idempotency_key, filename, content_type, size, bucket, object_key, state, error_message,
	content_hash, duplicate_of, page_count, sheets, created_at, updated_at, finalized_at`

// CreateOrGet inserts rec unless its idempotency key exists; the stored record wins on conflict.
func (r *UploadRepository) CreateOrGet(ctx context.Context, rec *domain.UploadRecord) (*domain.UploadRecord, bool, error) {
	sheetsJSON, err := marshalSheets(rec.Sheets)
	if err != nil {
		return nil, false, err
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO uploads (
	id, idempotency_key, filename, content_type, size, bucket, object_key, state, error_message, sheets, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (idempotency_key) DO NOTHING
`,
		rec.ID, rec.IdempotencyKey, rec.Filename, rec.ContentType, rec.Size, rec.Bucket, rec.ObjectKey,
		string(rec.State), rec.Error, sheetsJSON, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert upload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert upload rows affected: %w", err)
	}
	if affected == 1 {
		return rec, true, nil
	}

	existing, err := r.getOne(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE idempotency_key = $1`, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *UploadRepository) GetByID(ctx context.Context, id string) (*domain.UploadRecord, error) {
	return r.getOne(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
}

func (r *UploadRepository) UpdateState(ctx context.Context, id string, state domain.IngestionState, errMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET state = $2, error_message = $3, updated_at = $4
WHERE id = $1
`, id, string(state), errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update upload state: %w", err)
	}
	return expectOneRow(res, "update upload state", id)
}

// MarkFinalized moves an initiated upload to queued. Uploads in any other state are left untouched.
func (r *UploadRepository) MarkFinalized(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET state = $2, error_message = '', finalized_at = $3, updated_at = $3
WHERE id = $1 AND state = $4
`, id, string(domain.IngestionQueued), at.UTC(), string(domain.IngestionInitiated))
	if err != nil {
		return fmt.Errorf("mark upload finalized: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark upload finalized rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrConflict, "mark upload finalized", fmt.Errorf("upload %s is not initiated", id))
	}
	return nil
}

func (r *UploadRepository) SaveInspection(ctx context.Context, id string, inspection domain.Inspection, duplicateOf string) error {
	sheetsJSON, err := marshalSheets(inspection.Sheets)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET content_hash = $2, page_count = $3, sheets = $4, duplicate_of = $5, updated_at = $6
WHERE id = $1
`, id, inspection.ContentHash, inspection.PageCount, sheetsJSON, duplicateOf, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save inspection: %w", err)
	}
	return expectOneRow(res, "save inspection", id)
}

// FindReadyByContentHash returns the oldest ready upload with the same content, or ErrUploadNotFound.
func (r *UploadRepository) FindReadyByContentHash(ctx context.Context, hash, excludeID string) (*domain.UploadRecord, error) {
	return r.getOne(ctx, `SELECT `+uploadColumns+`
FROM uploads
WHERE content_hash = $1 AND state = $2 AND id <> $3
ORDER BY created_at ASC
LIMIT 1`, hash, string(domain.IngestionReady), excludeID)
}

func (r *UploadRepository) getOne(ctx context.Context, query string, args ...any) (*domain.UploadRecord, error) {
	rec, err := scanUpload(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrUploadNotFound, "get upload", fmt.Errorf("no upload for %v", args[0]))
		}
		return nil, fmt.Errorf("scan upload: %w", err)
	}
	return rec, nil
}

func scanUpload(row *sql.Row) (*domain.UploadRecord, error) {
	var rec domain.UploadRecord
	var state string
	var sheetsRaw []byte
	var finalizedAt sql.NullTime

	if err := row.Scan(
		&rec.ID, &rec.IdempotencyKey, &rec.Filename, &rec.ContentType, &rec.Size, &rec.Bucket, &rec.ObjectKey,
		&state, &rec.Error, &rec.ContentHash, &rec.DuplicateOf, &rec.PageCount, &sheetsRaw,
		&rec.CreatedAt, &rec.UpdatedAt, &finalizedAt,
	); err != nil {
		return nil, err
	}
	if len(sheetsRaw) > 0 {
		if err := json.Unmarshal(sheetsRaw, &rec.Sheets); err != nil {
			return nil, fmt.Errorf("unmarshal sheets: %w", err)
		}
	}
	if len(rec.Sheets) == 0 {
		rec.Sheets = nil
	}
	rec.State = domain.IngestionState(state)
	if finalizedAt.Valid {
		at := finalizedAt.Time
		rec.FinalizedAt = &at
	}
	return &rec, nil
}

func marshalSheets(sheets []string) ([]byte, error) {
	if sheets == nil {
		sheets = []string{}
	}
	raw, err := json.Marshal(sheets)
	if err != nil {
		return nil, fmt.Errorf("marshal sheets: %w", err)
	}
	return raw, nil
}

func expectOneRow(res sql.Result, operation, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrUploadNotFound, operation, fmt.Errorf("no upload %s", id))
	}
	return nil
}
