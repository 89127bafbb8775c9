package memory

import (
	"context"
	"testing"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, found, err := store.Get(ctx, "sig"); err != nil || found {
		t.Fatalf("expected empty store, found=%v err=%v", found, err)
	}
	if err := store.Put(ctx, domain.TransferSession{Signature: "sig", Locator: "loc", Offset: 42}); err != nil {
		t.Fatalf("put: %v", err)
	}
	sess, found, err := store.Get(ctx, "sig")
	if err != nil || !found {
		t.Fatalf("expected session, found=%v err=%v", found, err)
	}
	if sess.Locator != "loc" || sess.Offset != 42 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if err := store.Delete(ctx, "sig"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store after delete, got %d", store.Len())
	}
}
