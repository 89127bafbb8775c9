package uploader

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/infrastructure/sessionstore/memory"
)

const mib = 1 << 20

type coordinatorHarness struct {
	broker     *brokerFake
	target     *targetFake
	negotiator *negotiatorFake
	status     *statusFake
	store      *memory.Store
	observer   *observerFake
	coord      *Coordinator
	completed  chan domain.UploadItem

	mu      sync.Mutex
	updates []domain.UploadItem
}

func newCoordinatorHarness(t *testing.T, maxConcurrent int) *coordinatorHarness {
	t.Helper()
	h := &coordinatorHarness{
		broker:     &brokerFake{},
		target:     newTargetFake(),
		negotiator: &negotiatorFake{},
		status:     &statusFake{reports: []domain.StatusReport{{State: domain.IngestionProcessing}, {State: domain.IngestionReady}}},
		store:      memory.New(),
		observer:   newObserverFake(),
		completed:  make(chan domain.UploadItem, 16),
	}
	logger := discardLogger()
	engine := NewTransferEngine(h.broker, h.target, h.store, TransferConfig{
		ChunkSize: 512 * 1024,
		Budget:    DefaultRetryBudget(),
	}, logger, h.observer)
	poller := NewStatusPoller(h.status, PollConfig{Interval: time.Millisecond, MaxAttempts: 5}, logger, h.observer)
	h.coord = NewCoordinator(h.negotiator, engine, poller, h.store, CoordinatorConfig{
		Admission:     domain.NewAdmissionPolicy(100*mib, []string{"application/pdf", "text/plain"}),
		MaxConcurrent: maxConcurrent,
		SessionMaxAge: time.Hour,
		OnComplete: func(item domain.UploadItem) {
			h.completed <- item
		},
	}, logger, h.observer)
	h.coord.Subscribe(func(item domain.UploadItem) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.updates = append(h.updates, item)
	})
	return h
}

func (h *coordinatorHarness) enqueue(t *testing.T, name string, size int) domain.UploadItem {
	t.Helper()
	file := domain.FileDescriptor{Name: name, Size: int64(size), ContentType: "application/pdf"}
	item, err := h.coord.Enqueue(context.Background(), file, bytes.NewReader(testContent(size)), "")
	require.NoError(t, err)
	return item
}

func (h *coordinatorHarness) awaitCompletion(t *testing.T) domain.UploadItem {
	t.Helper()
	select {
	case item := <-h.completed:
		return item
	case <-time.After(5 * time.Second):
		t.Fatalf("upload did not complete")
		return domain.UploadItem{}
	}
}

func (h *coordinatorHarness) progressOf(id string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int
	for _, u := range h.updates {
		if u.ID == id && u.Status == domain.UploadUploading {
			out = append(out, u.Progress)
		}
	}
	return out
}

func waitForStatus(t *testing.T, coord *Coordinator, id string, status domain.UploadStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		item, ok := coord.Item(id)
		return ok && item.Status == status
	}, 5*time.Second, time.Millisecond)
}

func TestCoordinatorUploadsPDFToReady(t *testing.T) {
	h := newCoordinatorHarness(t, 3)

	item := h.enqueue(t, "contract.pdf", 2*mib)
	require.Equal(t, domain.UploadPending, item.Status)
	require.Equal(t, "contract", item.Title)

	done := h.awaitCompletion(t)
	require.Equal(t, item.ID, done.ID)
	require.Equal(t, domain.UploadReady, done.Status)
	require.Equal(t, 100, done.Progress)
	require.Equal(t, "upload-1", done.ServerUploadID)
	require.Empty(t, done.Error)

	require.NoError(t, h.coord.Wait(context.Background()))
	require.Len(t, h.completed, 0, "completion callback fires exactly once")

	initCalls, finalizeCalls := h.negotiator.counts()
	require.Equal(t, 1, initCalls)
	require.Equal(t, 1, finalizeCalls)
	require.Len(t, h.target.Attempts(), 4)
	require.Equal(t, 2, h.status.Calls())
	requireMonotonicTo100(t, h.progressOf(item.ID))
	require.Zero(t, h.store.Len(), "session entry is dropped once ready")
	require.Equal(t, 1, h.observer.finished[domain.UploadReady])
}

func TestCoordinatorRejectsOversizedFileWithoutNetwork(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	file := domain.FileDescriptor{Name: "scan.pdf", Size: 150 * mib, ContentType: "application/pdf"}

	_, err := h.coord.Enqueue(context.Background(), file, bytes.NewReader(nil), "")
	require.ErrorIs(t, err, domain.ErrAdmission)
	require.ErrorIs(t, err, domain.ErrTooLarge)
	require.Contains(t, err.Error(), "100MiB")

	require.Empty(t, h.coord.Items())
	initCalls, _ := h.negotiator.counts()
	require.Zero(t, initCalls)
	require.Zero(t, h.broker.Calls())
}

func TestCoordinatorTransferFailureSkipsFinalize(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.target.putErr = func(int, domain.Chunk, domain.Credential) error {
		return errors.New("connection reset by peer")
	}

	item := h.enqueue(t, "notes.pdf", mib)
	done := h.awaitCompletion(t)

	require.Equal(t, item.ID, done.ID)
	require.Equal(t, domain.UploadFailed, done.Status)
	require.Contains(t, done.Error, "connection reset by peer")
	require.Contains(t, done.Error, domain.ErrTransfer.Error())
	_, finalizeCalls := h.negotiator.counts()
	require.Zero(t, finalizeCalls)
	require.Zero(t, h.status.Calls())
}

func TestCoordinatorInitFailureMovesNoBytes(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.negotiator.initErr = errors.New("status 400: unsupported file")

	h.enqueue(t, "notes.pdf", mib)
	done := h.awaitCompletion(t)

	require.Equal(t, domain.UploadFailed, done.Status)
	require.Contains(t, done.Error, domain.ErrNegotiation.Error())
	require.Contains(t, done.Error, "status 400: unsupported file")
	require.Zero(t, h.broker.Calls())
	require.Empty(t, h.target.Attempts())
}

func TestCoordinatorFinalizeFailureFailsItem(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.negotiator.finalizeErr = errors.New("status 409: object incomplete")

	h.enqueue(t, "notes.pdf", mib)
	done := h.awaitCompletion(t)

	require.Equal(t, domain.UploadFailed, done.Status)
	require.Equal(t, 100, done.Progress)
	require.Contains(t, done.Error, "status 409: object incomplete")
	require.Zero(t, h.status.Calls())
}

func TestCoordinatorSurfacesIngestionErrorVerbatim(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.status.reports = []domain.StatusReport{{State: domain.IngestionFailed, Error: "document has no readable pages"}}

	h.enqueue(t, "blank.pdf", 1024)
	done := h.awaitCompletion(t)

	require.Equal(t, domain.UploadFailed, done.Status)
	require.Equal(t, "document has no readable pages", done.Error)
}

func TestCoordinatorPollTimeoutIsDistinct(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.status.reports = []domain.StatusReport{{State: domain.IngestionProcessing}}

	h.enqueue(t, "slow.pdf", 1024)
	done := h.awaitCompletion(t)

	require.Equal(t, domain.UploadFailed, done.Status)
	require.Contains(t, done.Error, domain.ErrPollTimeout.Error())
	require.Equal(t, 5, h.status.Calls())
	require.Equal(t, 1, h.store.Len(), "session entry survives a timeout so a resubmission collapses")
}

func TestCoordinatorCapsConcurrentUploads(t *testing.T) {
	h := newCoordinatorHarness(t, 1)
	h.negotiator.block = make(chan struct{})
	h.negotiator.started = make(chan string, 4)

	first := h.enqueue(t, "a.pdf", 1024)
	second := h.enqueue(t, "b.pdf", 1024)

	require.Equal(t, "a.pdf", <-h.negotiator.started)
	waitForStatus(t, h.coord, first.ID, domain.UploadUploading)
	item, ok := h.coord.Item(second.ID)
	require.True(t, ok)
	require.Equal(t, domain.UploadPending, item.Status)
	select {
	case name := <-h.negotiator.started:
		t.Fatalf("second upload %s started while the cap was reached", name)
	case <-time.After(50 * time.Millisecond):
	}

	close(h.negotiator.block)
	h.awaitCompletion(t)
	h.awaitCompletion(t)
	require.NoError(t, h.coord.Wait(context.Background()))
	for _, it := range h.coord.Items() {
		require.Equal(t, domain.UploadReady, it.Status)
	}
}

func TestCoordinatorStartsQueuedUploadsInEnqueueOrder(t *testing.T) {
	h := newCoordinatorHarness(t, 1)
	h.status.reports = []domain.StatusReport{{State: domain.IngestionReady}}
	h.negotiator.block = make(chan struct{})
	h.negotiator.started = make(chan string, 4)

	h.enqueue(t, "a.pdf", 1024)
	h.enqueue(t, "b.pdf", 1024)
	h.enqueue(t, "c.pdf", 1024)
	require.Equal(t, "a.pdf", <-h.negotiator.started)

	close(h.negotiator.block)
	require.Equal(t, "b.pdf", <-h.negotiator.started)
	require.Equal(t, "c.pdf", <-h.negotiator.started)
	for range 3 {
		h.awaitCompletion(t)
	}
}

func TestCoordinatorCancelWhilePendingFreesNoSlot(t *testing.T) {
	h := newCoordinatorHarness(t, 1)
	h.status.reports = []domain.StatusReport{{State: domain.IngestionReady}}
	h.negotiator.block = make(chan struct{})
	h.negotiator.started = make(chan string, 4)

	h.enqueue(t, "a.pdf", 1024)
	waiting := h.enqueue(t, "b.pdf", 1024)
	h.enqueue(t, "c.pdf", 1024)
	require.Equal(t, "a.pdf", <-h.negotiator.started)

	require.NoError(t, h.coord.Cancel(waiting.ID))
	cancelled := h.awaitCompletion(t)
	require.Equal(t, waiting.ID, cancelled.ID)
	require.Equal(t, domain.UploadFailed, cancelled.Status)
	select {
	case name := <-h.negotiator.started:
		t.Fatalf("%s started while the cap was reached", name)
	case <-time.After(50 * time.Millisecond):
	}

	close(h.negotiator.block)
	require.Equal(t, "c.pdf", <-h.negotiator.started)
	h.awaitCompletion(t)
	h.awaitCompletion(t)
}

func TestCoordinatorDifferentContentGetsFreshKey(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.negotiator.byKey = make(map[string]domain.InitResult)
	h.status.reports = []domain.StatusReport{{State: domain.IngestionProcessing}}
	file := domain.FileDescriptor{Name: "report.pdf", Size: 1024, ContentType: "application/pdf"}

	_, err := h.coord.Enqueue(context.Background(), file, bytes.NewReader(bytes.Repeat([]byte("A"), 1024)), "")
	require.NoError(t, err)
	first := h.awaitCompletion(t)
	require.Equal(t, domain.UploadFailed, first.Status)
	require.Equal(t, 1, h.store.Len())
	putsBefore := len(h.target.Attempts())

	h.status.mu.Lock()
	h.status.reports = []domain.StatusReport{{State: domain.IngestionReady}}
	h.status.mu.Unlock()
	second := bytes.Repeat([]byte("B"), 1024)
	_, err = h.coord.Enqueue(context.Background(), file, bytes.NewReader(second), "")
	require.NoError(t, err)
	done := h.awaitCompletion(t)

	require.Equal(t, domain.UploadReady, done.Status)
	require.NotEqual(t, first.IdempotencyKey, done.IdempotencyKey)
	require.NotEqual(t, first.ServerUploadID, done.ServerUploadID)
	require.Greater(t, len(h.target.Attempts()), putsBefore, "the second file must be transferred")
	require.Equal(t, second, h.target.assembled())
}

func TestCoordinatorCancelFailsItem(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.negotiator.block = make(chan struct{})
	h.negotiator.started = make(chan string, 1)

	item := h.enqueue(t, "a.pdf", 1024)
	<-h.negotiator.started
	require.NoError(t, h.coord.Cancel(item.ID))

	done := h.awaitCompletion(t)
	require.Equal(t, domain.UploadFailed, done.Status)
	require.Contains(t, done.Error, domain.ErrCancelled.Error())
	require.True(t, domain.IsKind(h.coord.Cancel(item.ID), domain.ErrConflict))
	require.True(t, domain.IsKind(h.coord.Cancel("missing"), domain.ErrUploadNotFound))
}

func TestCoordinatorReusesPersistedIdempotencyKey(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	file := domain.FileDescriptor{Name: "a.pdf", Size: 1024, ContentType: "application/pdf"}
	fingerprint, err := ContentFingerprint(bytes.NewReader(testContent(1024)), 1024)
	require.NoError(t, err)
	file.Fingerprint = fingerprint
	require.NoError(t, h.store.Put(context.Background(), domain.TransferSession{
		Signature:      file.Signature(),
		IdempotencyKey: "key-from-last-run",
		UpdatedAt:      time.Now().UTC(),
	}))

	_, err = h.coord.Enqueue(context.Background(), file, bytes.NewReader(testContent(1024)), "")
	require.NoError(t, err)
	done := h.awaitCompletion(t)

	require.Equal(t, "key-from-last-run", done.IdempotencyKey)
	h.negotiator.mu.Lock()
	defer h.negotiator.mu.Unlock()
	require.Equal(t, []string{"key-from-last-run"}, h.negotiator.keys)
}

func TestCoordinatorCollapsedInitSkipsTransfer(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.negotiator.result = domain.InitResult{ServerUploadID: "upload-42", State: domain.IngestionProcessing}
	h.status.reports = []domain.StatusReport{{State: domain.IngestionReady, Dedup: &domain.DedupInfo{Duplicate: true, ExistingID: "upload-7"}}}

	h.enqueue(t, "a.pdf", 1024)
	done := h.awaitCompletion(t)

	require.Equal(t, domain.UploadReady, done.Status)
	require.Equal(t, "upload-42", done.ServerUploadID)
	require.NotNil(t, done.Dedup)
	require.Equal(t, "upload-7", done.Dedup.ExistingID)
	require.Zero(t, h.broker.Calls())
	_, finalizeCalls := h.negotiator.counts()
	require.Zero(t, finalizeCalls)
}

func TestCoordinatorDismissKeepsCompletionCallback(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.negotiator.block = make(chan struct{})
	h.negotiator.started = make(chan string, 1)

	item := h.enqueue(t, "a.pdf", 1024)
	<-h.negotiator.started
	require.NoError(t, h.coord.Dismiss(item.ID))
	require.Empty(t, h.coord.Items())
	require.True(t, domain.IsKind(h.coord.Dismiss(item.ID), domain.ErrUploadNotFound))

	close(h.negotiator.block)
	done := h.awaitCompletion(t)
	require.Equal(t, item.ID, done.ID)
	require.Equal(t, domain.UploadReady, done.Status)
	require.NoError(t, h.coord.Wait(context.Background()))
	require.Empty(t, h.coord.Items())
}

func TestCoordinatorRetryStartsFreshAttempt(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.negotiator.initErr = errors.New("status 503")

	first := h.enqueue(t, "a.pdf", 1024)
	require.Equal(t, domain.UploadFailed, h.awaitCompletion(t).Status)
	require.NoError(t, h.coord.SetTitle(first.ID, "Quarterly report"))

	h.negotiator.mu.Lock()
	h.negotiator.initErr = nil
	h.negotiator.mu.Unlock()

	second, err := h.coord.Retry(context.Background(), first.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "Quarterly report", second.Title)

	done := h.awaitCompletion(t)
	require.Equal(t, second.ID, done.ID)
	require.Equal(t, domain.UploadReady, done.Status)
	_, ok := h.coord.Item(first.ID)
	require.False(t, ok)

	h.negotiator.mu.Lock()
	defer h.negotiator.mu.Unlock()
	require.Equal(t, h.negotiator.keys[0], h.negotiator.keys[1], "a failed INIT keeps the persisted key")
}

func TestCoordinatorClearDropsTerminalItems(t *testing.T) {
	h := newCoordinatorHarness(t, 3)
	h.enqueue(t, "a.pdf", 1024)
	h.awaitCompletion(t)
	require.Len(t, h.coord.Items(), 1)

	h.coord.Clear()
	require.Empty(t, h.coord.Items())
	require.True(t, domain.IsKind(h.coord.SetTitle("missing", "x"), domain.ErrUploadNotFound))
}
