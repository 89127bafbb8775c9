package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

const DefaultMaxConcurrent = 3

type CoordinatorConfig struct {
	Admission     domain.AdmissionPolicy
	MaxConcurrent int
	SessionMaxAge time.Duration
	// OnComplete is invoked exactly once per item when it reaches a terminal state.
	OnComplete func(domain.UploadItem)
}

// Coordinator runs INIT, transfer, FINALIZE and status polling for every queued file.
type Coordinator struct {
	negotiator ports.UploadNegotiator
	engine     *TransferEngine
	poller     *StatusPoller
	store      ports.SessionStore
	cfg        CoordinatorConfig
	sem        *semaphore.Weighted
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	mu          sync.Mutex
	entries     map[string]*queueEntry
	order       []string
	pending     []string
	subscribers map[int]func(domain.UploadItem)
	nextSub     int
	running     sync.WaitGroup
}

type queueEntry struct {
	item      domain.UploadItem
	content   io.ReaderAt
	cancel    context.CancelFunc
	admit     chan struct{}
	admitted  bool
	dismissed bool
	finished  bool
}

func NewCoordinator(
	negotiator ports.UploadNegotiator,
	engine *TransferEngine,
	poller *StatusPoller,
	store ports.SessionStore,
	cfg CoordinatorConfig,
	logger *slog.Logger,
	observer Observer,
) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Coordinator{
		negotiator:  negotiator,
		engine:      engine,
		poller:      poller,
		store:       store,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:      logger,
		observer:    observer,
		now:         func() time.Time { return time.Now().UTC() },
		entries:     make(map[string]*queueEntry),
		subscribers: make(map[int]func(domain.UploadItem)),
	}
}

// Enqueue admits a file and starts its upload. Rejected files never become items and
// cause no network call. The upload runs until it is terminal, cancelled, or ctx is done.
func (c *Coordinator) Enqueue(ctx context.Context, file domain.FileDescriptor, content io.ReaderAt, title string) (domain.UploadItem, error) {
	if err := c.cfg.Admission.Check(file); err != nil {
		c.logger.Info("upload_rejected", "file", file.Name, "size", file.Size, "content_type", file.ContentType, "error", err)
		return domain.UploadItem{}, err
	}
	if content == nil {
		return domain.UploadItem{}, domain.WrapError(domain.ErrInvalidInput, "enqueue", errors.New("file content is required"))
	}
	fingerprint, err := ContentFingerprint(content, file.Size)
	if err != nil {
		return domain.UploadItem{}, domain.WrapError(domain.ErrInvalidInput, "enqueue", err)
	}
	file.Fingerprint = fingerprint
	return c.start(ctx, file, content, title), nil
}

func (c *Coordinator) start(ctx context.Context, file domain.FileDescriptor, content io.ReaderAt, title string) domain.UploadItem {
	runCtx, cancel := context.WithCancel(ctx)
	item := domain.NewUploadItem(uuid.NewString(), file, title, c.now())
	entry := &queueEntry{item: *item, content: content, cancel: cancel, admit: make(chan struct{})}

	c.mu.Lock()
	c.entries[item.ID] = entry
	c.order = append(c.order, item.ID)
	c.pending = append(c.pending, item.ID)
	c.running.Add(1)
	c.dispatchLocked()
	c.mu.Unlock()

	c.notify(*item)
	go func() {
		defer c.running.Done()
		defer cancel()
		c.run(runCtx, item.ID)
	}()
	return *item
}

func (c *Coordinator) run(ctx context.Context, id string) {
	started := c.now()
	file, content := c.source(id)
	log := c.logger.With("item_id", id, "file", file.Name)

	began := false
	if err := c.waitAdmission(ctx, id); err != nil {
		c.fail(ctx, id, domain.EventCancel, err)
		c.finish(id, started, began, log)
		return
	}
	defer c.release()
	defer func() { c.finish(id, started, began, log) }()

	key := c.idempotencyKey(ctx, file)
	if err := c.update(id, func(it *domain.UploadItem) error {
		it.IdempotencyKey = key
		return it.Apply(domain.EventStart, c.now())
	}); err != nil {
		log.Error("upload_state_error", "error", err)
		return
	}
	began = true
	c.observer.UploadStarted()
	log.Info("upload_started", "size", file.Size, "content_type", file.ContentType)

	dest, err := c.negotiator.Init(ctx, file, key)
	if err == nil {
		err = c.update(id, func(it *domain.UploadItem) error {
			return it.AssignServerUploadID(dest.ServerUploadID)
		})
	}
	if err != nil {
		c.fail(ctx, id, domain.EventUploadFailed, domain.WrapError(domain.ErrNegotiation, "init upload", err))
		return
	}

	if dest.Collapsed() {
		log.Info("upload_collapsed", "upload_id", dest.ServerUploadID, "state", dest.State)
		_ = c.update(id, func(it *domain.UploadItem) error { return it.Apply(domain.EventTransferDone, c.now()) })
	} else {
		err = c.engine.Transfer(ctx, TransferRequest{
			File:           file,
			Content:        content,
			Destination:    dest,
			IdempotencyKey: key,
			Progress: func(percent int) {
				c.progress(id, percent)
			},
		})
		if err != nil {
			c.fail(ctx, id, domain.EventUploadFailed, err)
			return
		}
		_ = c.update(id, func(it *domain.UploadItem) error { return it.Apply(domain.EventTransferDone, c.now()) })

		if err := c.negotiator.Finalize(ctx, dest.ServerUploadID); err != nil {
			c.fail(ctx, id, domain.EventFinalizeFailed, domain.WrapError(domain.ErrNegotiation, "finalize upload", err))
			return
		}
	}

	report, err := c.poller.Poll(ctx, dest.ServerUploadID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrIngestion):
			c.forgetSession(ctx, file)
			c.failWith(ctx, id, domain.EventIngestionFailed, err, ingestionMessage(report, err))
		case errors.Is(err, domain.ErrPollTimeout):
			c.fail(ctx, id, domain.EventPollTimeout, err)
		default:
			c.fail(ctx, id, domain.EventIngestionFailed, domain.WrapError(domain.ErrIngestion, "poll status", err))
		}
		return
	}

	c.forgetSession(ctx, file)
	_ = c.update(id, func(it *domain.UploadItem) error {
		it.Dedup = report.Dedup
		return it.Apply(domain.EventIngestionReady, c.now())
	})
}

// dispatchLocked admits pending items in enqueue order while slots are free.
func (c *Coordinator) dispatchLocked() {
	for len(c.pending) > 0 && c.sem.TryAcquire(1) {
		entry := c.entries[c.pending[0]]
		c.pending = c.pending[1:]
		entry.admitted = true
		close(entry.admit)
	}
}

// waitAdmission blocks until the item holds a slot. An item cancelled while pending
// leaves the queue without taking one.
func (c *Coordinator) waitAdmission(ctx context.Context, id string) error {
	c.mu.Lock()
	entry := c.entries[id]
	c.mu.Unlock()

	select {
	case <-entry.admit:
		return nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.admitted {
		c.sem.Release(1)
	} else {
		for i, pending := range c.pending {
			if pending == id {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}
	}
	c.dispatchLocked()
	return ctx.Err()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sem.Release(1)
	c.dispatchLocked()
}

// idempotencyKey reuses the key persisted for the same file so that a resubmission after
// a crash collapses server-side. The signature covers the content fingerprint, so a
// different file under the same name and size never inherits the key. A fresh key is
// persisted before INIT otherwise.
func (c *Coordinator) idempotencyKey(ctx context.Context, file domain.FileDescriptor) string {
	if c.store == nil {
		return uuid.NewString()
	}
	signature := file.Signature()
	sess, found, err := c.store.Get(ctx, signature)
	if err != nil {
		c.logger.Warn("transfer_session_lookup_failed", "file", file.Name, "error", err)
	}
	fresh := c.cfg.SessionMaxAge <= 0 || c.now().Sub(sess.UpdatedAt) <= c.cfg.SessionMaxAge
	if found && sess.IdempotencyKey != "" && fresh {
		return sess.IdempotencyKey
	}

	key := uuid.NewString()
	if err := c.store.Put(ctx, domain.TransferSession{
		Signature:      signature,
		IdempotencyKey: key,
		UpdatedAt:      c.now(),
	}); err != nil {
		c.logger.Warn("transfer_session_save_failed", "file", file.Name, "error", err)
	}
	return key
}

func (c *Coordinator) forgetSession(ctx context.Context, file domain.FileDescriptor) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(context.WithoutCancel(ctx), file.Signature()); err != nil {
		c.logger.Warn("transfer_session_delete_failed", "file", file.Name, "error", err)
	}
}

func (c *Coordinator) fail(ctx context.Context, id string, event domain.UploadEvent, cause error) {
	c.failWith(ctx, id, event, cause, cause.Error())
}

// failWith moves the item to failed. A done context turns any failure into a cancellation.
func (c *Coordinator) failWith(ctx context.Context, id string, event domain.UploadEvent, cause error, message string) {
	if ctx.Err() != nil {
		event = domain.EventCancel
		cause = domain.WrapError(domain.ErrCancelled, "upload", context.Cause(ctx))
		message = cause.Error()
	}
	err := c.update(id, func(it *domain.UploadItem) error {
		return it.Fail(event, message, c.now())
	})
	if err != nil {
		c.logger.Error("upload_state_error", "item_id", id, "event", event, "error", err)
	}
}

// finish reports the terminal item once. Items that never left pending are not reported to the observer.
func (c *Coordinator) finish(id string, started time.Time, began bool, log *slog.Logger) {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.finished = true
	item := entry.item
	if entry.dismissed {
		c.removeLocked(id)
	}
	c.mu.Unlock()

	elapsed := c.now().Sub(started)
	if began {
		c.observer.UploadFinished(item.Status, elapsed)
	}
	log.Info("upload_finished",
		"status", item.Status,
		"upload_id", item.ServerUploadID,
		"error", item.Error,
		"duration_ms", elapsed.Milliseconds(),
	)
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(item)
	}
}

func (c *Coordinator) source(id string) (domain.FileDescriptor, io.ReaderAt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[id]
	return entry.item.File, entry.content
}

func (c *Coordinator) progress(id string, percent int) {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok || !entry.item.SetProgress(percent, c.now()) {
		c.mu.Unlock()
		return
	}
	snapshot, dismissed := entry.item, entry.dismissed
	c.mu.Unlock()
	if !dismissed {
		c.notify(snapshot)
	}
}

func (c *Coordinator) update(id string, fn func(*domain.UploadItem) error) error {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return domain.WrapError(domain.ErrUploadNotFound, "update item", fmt.Errorf("item %s", id))
	}
	if err := fn(&entry.item); err != nil {
		c.mu.Unlock()
		return err
	}
	snapshot, dismissed := entry.item, entry.dismissed
	c.mu.Unlock()
	if !dismissed {
		c.notify(snapshot)
	}
	return nil
}

func (c *Coordinator) notify(item domain.UploadItem) {
	c.mu.Lock()
	subs := make([]func(domain.UploadItem), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(item)
	}
}

// Subscribe registers fn for every visible item change. fn may be called concurrently.
func (c *Coordinator) Subscribe(fn func(domain.UploadItem)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// Items returns the visible queue in enqueue order.
func (c *Coordinator) Items() []domain.UploadItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.UploadItem, 0, len(c.order))
	for _, id := range c.order {
		if entry := c.entries[id]; entry != nil && !entry.dismissed {
			out = append(out, entry.item)
		}
	}
	return out
}

func (c *Coordinator) Item(id string) (domain.UploadItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || entry.dismissed {
		return domain.UploadItem{}, false
	}
	return entry.item, true
}

func (c *Coordinator) SetTitle(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.WrapError(domain.ErrInvalidInput, "set title", errors.New("title is required"))
	}
	return c.update(id, func(it *domain.UploadItem) error {
		it.Title = title
		it.UpdatedAt = c.now()
		return nil
	})
}

// Cancel aborts the in-flight work of a non-terminal item. The item ends failed.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || entry.dismissed {
		return domain.WrapError(domain.ErrUploadNotFound, "cancel upload", fmt.Errorf("item %s", id))
	}
	if entry.item.Status.Terminal() {
		return domain.WrapError(domain.ErrConflict, "cancel upload", fmt.Errorf("item %s is %s", id, entry.item.Status))
	}
	entry.cancel()
	return nil
}

// Dismiss removes an item from the visible queue. It does not cancel in-flight work.
func (c *Coordinator) Dismiss(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || entry.dismissed {
		return domain.WrapError(domain.ErrUploadNotFound, "dismiss upload", fmt.Errorf("item %s", id))
	}
	c.dismissLocked(id, entry)
	return nil
}

// Clear dismisses every visible item.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if entry := c.entries[id]; entry != nil && !entry.dismissed {
			c.dismissLocked(id, entry)
		}
	}
}

func (c *Coordinator) dismissLocked(id string, entry *queueEntry) {
	entry.dismissed = true
	if entry.finished {
		c.removeLocked(id)
	}
}

func (c *Coordinator) removeLocked(id string) {
	delete(c.entries, id)
	for i, queued := range c.order {
		if queued == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Retry starts a fresh attempt for a failed item. The failed item leaves the queue.
func (c *Coordinator) Retry(ctx context.Context, id string) (domain.UploadItem, error) {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok || entry.dismissed {
		c.mu.Unlock()
		return domain.UploadItem{}, domain.WrapError(domain.ErrUploadNotFound, "retry upload", fmt.Errorf("item %s", id))
	}
	if entry.item.Status != domain.UploadFailed {
		c.mu.Unlock()
		return domain.UploadItem{}, domain.WrapError(domain.ErrConflict, "retry upload", fmt.Errorf("item %s is %s", id, entry.item.Status))
	}
	file, content, title := entry.item.File, entry.content, entry.item.Title
	c.dismissLocked(id, entry)
	c.mu.Unlock()

	return c.start(ctx, file, content, title), nil
}

// Wait blocks until every started upload, visible or dismissed, has returned.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
