package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

const DefaultChunkSize int64 = 8 << 20

type TransferConfig struct {
	ChunkSize     int64
	Parallelism   int
	Budget        RetryBudget
	SessionMaxAge time.Duration
}

func (c TransferConfig) normalize() TransferConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	return c
}

// TransferRequest describes one file transfer into the destination returned by INIT.
type TransferRequest struct {
	File           domain.FileDescriptor
	Content        io.ReaderAt
	Destination    domain.InitResult
	IdempotencyKey string
	// Progress receives non-decreasing percentages in [0, 100].
	Progress func(percent int)
}

// TransferEngine moves file bytes to object storage through a resumable session.
type TransferEngine struct {
	broker   ports.CredentialBroker
	target   ports.TransferTarget
	store    ports.SessionStore
	cfg      TransferConfig
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

func NewTransferEngine(
	broker ports.CredentialBroker,
	target ports.TransferTarget,
	store ports.SessionStore,
	cfg TransferConfig,
	logger *slog.Logger,
	observer Observer,
) *TransferEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &TransferEngine{
		broker:   broker,
		target:   target,
		store:    store,
		cfg:      cfg.normalize(),
		logger:   logger,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// transfer holds the mutable state of one Transfer call.
type transfer struct {
	req      TransferRequest
	cred     domain.Credential
	retries  *retryState
	locator  string
	progress *progressTracker
}

func (e *TransferEngine) Transfer(ctx context.Context, req TransferRequest) error {
	if req.Content == nil {
		return domain.WrapError(domain.ErrInvalidInput, "transfer", errors.New("file content is required"))
	}
	cred, err := e.broker.Acquire(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrCredential, "acquire credential", err)
	}

	t := &transfer{
		req:      req,
		cred:     cred,
		retries:  newRetryState(e.cfg.Budget),
		progress: newProgressTracker(req.File.Size, req.Progress),
	}

	offset, err := e.openSession(ctx, t)
	if err != nil {
		return err
	}
	t.progress.set(offset)

	if e.parallel() {
		err = e.sendParallel(ctx, t, offset)
	} else {
		err = e.sendSequential(ctx, t, offset)
	}
	if err != nil {
		return err
	}

	if err := e.withRetry(ctx, t, "commit", func(cred domain.Credential) error {
		return e.target.Commit(ctx, t.locator, req.File, cred)
	}); err != nil {
		return domain.WrapError(domain.ErrTransfer, "commit transfer", err)
	}
	e.saveSession(ctx, t, req.File.Size)
	t.progress.set(req.File.Size)
	return nil
}

func (e *TransferEngine) parallel() bool {
	if e.cfg.Parallelism <= 1 {
		return false
	}
	pt, ok := e.target.(ports.ParallelTransferTarget)
	return ok && pt.SupportsParallelChunks()
}

// openSession resumes a persisted session for the same file or creates a new one.
func (e *TransferEngine) openSession(ctx context.Context, t *transfer) (int64, error) {
	if locator, offset, ok := e.resume(ctx, t); ok {
		t.locator = locator
		e.logger.Info("transfer_resumed",
			"file", t.req.File.Name,
			"offset", offset,
			"size", t.req.File.Size,
		)
		return offset, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var locator string
	err := e.withRetry(ctx, t, "create_session", func(cred domain.Credential) error {
		var err error
		locator, err = e.target.CreateSession(ctx, t.req.Destination, t.req.File, cred)
		return err
	})
	if err != nil {
		return 0, domain.WrapError(domain.ErrTransfer, "create transfer session", err)
	}
	t.locator = locator
	e.saveSession(ctx, t, 0)
	return 0, nil
}

func (e *TransferEngine) resume(ctx context.Context, t *transfer) (string, int64, bool) {
	if e.store == nil {
		return "", 0, false
	}
	signature := t.req.File.Signature()
	sess, found, err := e.store.Get(ctx, signature)
	if err != nil {
		e.logger.Warn("transfer_session_lookup_failed", "file", t.req.File.Name, "error", err)
		return "", 0, false
	}
	if !found || sess.Locator == "" {
		return "", 0, false
	}

	discard := func(reason string) {
		e.logger.Info("transfer_session_discarded", "file", t.req.File.Name, "reason", reason)
	}
	dest := t.req.Destination
	if sess.Bucket != dest.Bucket || sess.ObjectHandle != dest.ObjectHandle {
		discard("destination changed")
		return "", 0, false
	}
	if e.cfg.SessionMaxAge > 0 && e.now().Sub(sess.UpdatedAt) > e.cfg.SessionMaxAge {
		discard("expired")
		return "", 0, false
	}

	offset, err := e.target.QueryOffset(ctx, sess.Locator, t.req.File, t.cred)
	switch {
	case err == nil:
	case domain.IsKind(err, domain.ErrSessionNotFound):
		discard("unknown to storage")
		return "", 0, false
	default:
		e.logger.Warn("transfer_session_query_failed", "file", t.req.File.Name, "error", err)
		return "", 0, false
	}
	if offset < 0 || offset > t.req.File.Size {
		discard(fmt.Sprintf("offset %d out of range", offset))
		return "", 0, false
	}
	return sess.Locator, offset, true
}

func (e *TransferEngine) sendSequential(ctx context.Context, t *transfer, offset int64) error {
	total := t.req.File.Size
	for offset < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := e.readChunk(t, offset)
		if err != nil {
			return err
		}

		var next int64
		err = e.withRetry(ctx, t, "put_chunk", func(cred domain.Credential) error {
			var err error
			next, err = e.target.PutChunk(ctx, t.locator, chunk, cred)
			return err
		})
		if err != nil {
			return domain.WrapError(domain.ErrTransfer, fmt.Sprintf("send chunk %d", chunk.Index), err)
		}
		if next <= offset || next > total {
			return domain.WrapError(domain.ErrTransfer, fmt.Sprintf("send chunk %d", chunk.Index),
				fmt.Errorf("storage reported offset %d after sending bytes %d-%d", next, chunk.Offset, chunk.End()-1))
		}

		e.observer.ChunkSent(int(next - offset))
		offset = next
		t.progress.set(offset)
		e.saveSession(ctx, t, offset)
	}
	return nil
}

// sendParallel sends windows of chunks concurrently. Only the failed chunks of a window are re-sent.
func (e *TransferEngine) sendParallel(ctx context.Context, t *transfer, offset int64) error {
	total := t.req.File.Size
	size := e.cfg.ChunkSize
	offset = offset / size * size
	t.progress.reset(offset)

	for offset < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		var window []domain.Chunk
		for start := offset; start < total && len(window) < e.cfg.Parallelism; start += size {
			chunk, err := e.readChunk(t, start)
			if err != nil {
				return err
			}
			window = append(window, chunk)
		}

		pending := window
		for len(pending) > 0 {
			failed, firstErr := e.sendWindow(ctx, t, pending)
			if firstErr == nil {
				break
			}
			if err := e.spendRetry(ctx, t, "put_chunk", firstErr); err != nil {
				return domain.WrapError(domain.ErrTransfer, fmt.Sprintf("send chunk %d", failed[0].Index), err)
			}
			pending = failed
		}

		offset = window[len(window)-1].End()
		e.saveSession(ctx, t, offset)
	}
	return nil
}

func (e *TransferEngine) sendWindow(ctx context.Context, t *transfer, chunks []domain.Chunk) ([]domain.Chunk, error) {
	errs := make([]error, len(chunks))
	cred := t.cred
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.target.PutChunk(ctx, t.locator, chunk, cred); err != nil {
				errs[i] = err
				return
			}
			e.observer.ChunkSent(len(chunk.Data))
			t.progress.add(int64(len(chunk.Data)))
		}()
	}
	wg.Wait()

	var failed []domain.Chunk
	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		failed = append(failed, chunks[i])
	}
	return failed, firstErr
}

// withRetry runs fn with the current credential, spending the retry budget on failures.
func (e *TransferEngine) withRetry(ctx context.Context, t *transfer, operation string, fn func(domain.Credential) error) error {
	for {
		err := fn(t.cred)
		if err == nil {
			return nil
		}
		if err := e.spendRetry(ctx, t, operation, err); err != nil {
			return err
		}
	}
}

// spendRetry returns nil when the failure may be retried, refreshing the credential for
// auth-class failures. Otherwise it returns the error that ends the transfer.
func (e *TransferEngine) spendRetry(ctx context.Context, t *transfer, operation string, cause error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	class, ok := t.retries.take(cause)
	if !ok {
		return cause
	}
	e.logger.Warn("transfer_chunk_retry",
		"file", t.req.File.Name,
		"operation", operation,
		"auth", class == failureAuth,
		"error", cause,
	)
	if class != failureAuth {
		return nil
	}

	cred, err := e.broker.Acquire(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrCredential, "refresh credential", err)
	}
	e.observer.CredentialRefreshed()
	t.cred = cred
	return nil
}

func (e *TransferEngine) readChunk(t *transfer, offset int64) (domain.Chunk, error) {
	total := t.req.File.Size
	n := min(e.cfg.ChunkSize, total-offset)
	buf := make([]byte, n)
	read, err := t.req.Content.ReadAt(buf, offset)
	if int64(read) < n {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return domain.Chunk{}, domain.WrapError(domain.ErrTransfer, "read file", err)
	}
	return domain.Chunk{
		Index:  int(offset / e.cfg.ChunkSize),
		Offset: offset,
		Data:   buf,
		Total:  total,
	}, nil
}

func (e *TransferEngine) saveSession(ctx context.Context, t *transfer, offset int64) {
	if e.store == nil {
		return
	}
	err := e.store.Put(ctx, domain.TransferSession{
		Signature:      t.req.File.Signature(),
		IdempotencyKey: t.req.IdempotencyKey,
		Bucket:         t.req.Destination.Bucket,
		ObjectHandle:   t.req.Destination.ObjectHandle,
		Locator:        t.locator,
		Offset:         offset,
		UpdatedAt:      e.now(),
	})
	if err != nil {
		e.logger.Warn("transfer_session_save_failed", "file", t.req.File.Name, "error", err)
	}
}

type progressTracker struct {
	mu       sync.Mutex
	total    int64
	sent     int64
	reported int
	report   func(int)
}

func newProgressTracker(total int64, report func(int)) *progressTracker {
	return &progressTracker{total: total, reported: -1, report: report}
}

func (p *progressTracker) set(sent int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sent > p.sent {
		p.sent = sent
	}
	p.emit()
}

func (p *progressTracker) reset(sent int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = sent
}

func (p *progressTracker) add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent += n
	p.emit()
}

func (p *progressTracker) emit() {
	percent := 100
	if p.total > 0 {
		percent = int(math.Round(float64(p.sent) / float64(p.total) * 100))
	}
	percent = min(max(percent, 0), 100)
	if percent <= p.reported {
		return
	}
	p.reported = percent
	if p.report != nil {
		p.report(percent)
	}
}
