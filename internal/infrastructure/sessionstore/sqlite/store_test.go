package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "sessions.db")
	updated := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, domain.TransferSession{
		Signature:      "sig-1",
		IdempotencyKey: "key-1",
		Bucket:         "documents",
		ObjectHandle:   "u1/a.pdf",
		Locator:        "http://storage/session/1",
		Offset:         8 << 20,
		UpdatedAt:      updated,
	}))
	require.NoError(t, store.Put(ctx, domain.TransferSession{
		Signature:      "sig-1",
		IdempotencyKey: "key-1",
		Bucket:         "documents",
		ObjectHandle:   "u1/a.pdf",
		Locator:        "http://storage/session/1",
		Offset:         16 << 20,
		UpdatedAt:      updated,
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	sess, found, err := reopened.Get(ctx, "sig-1")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 16<<20, sess.Offset)
	require.Equal(t, "key-1", sess.IdempotencyKey)
	require.True(t, sess.UpdatedAt.Equal(updated))

	require.NoError(t, reopened.Delete(ctx, "sig-1"))
	_, found, err = reopened.Get(ctx, "sig-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStorePrune(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()
	require.NoError(t, store.Put(ctx, domain.TransferSession{Signature: "old", IdempotencyKey: "k", UpdatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.Put(ctx, domain.TransferSession{Signature: "new", IdempotencyKey: "k", UpdatedAt: now}))

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	_, found, err := store.Get(ctx, "new")
	require.NoError(t, err)
	require.True(t, found)
}
