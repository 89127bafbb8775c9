package uploader

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
)

type brokerFake struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *brokerFake) Acquire(context.Context) (domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.Credential{}, err
		}
	}
	return domain.Credential{
		Token:     fmt.Sprintf("token-%d", f.calls),
		ExpiresAt: time.Now().Add(time.Minute),
	}, nil
}

func (f *brokerFake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type putAttempt struct {
	index int
	token string
}

type targetFake struct {
	mu          sync.Mutex
	parallel    bool
	createCalls int
	queryCalls  int
	commits     int
	attempts    []putAttempt
	accepted    map[int][]byte
	offsets     map[string]int64
	queryErr    error
	createErr   error
	// putErr decides the outcome of the n-th PutChunk call (1-based).
	putErr func(call int, chunk domain.Chunk, cred domain.Credential) error
}

func newTargetFake() *targetFake {
	return &targetFake{accepted: make(map[int][]byte), offsets: make(map[string]int64)}
}

func (f *targetFake) CreateSession(context.Context, domain.InitResult, domain.FileDescriptor, domain.Credential) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	locator := fmt.Sprintf("session-%d", f.createCalls)
	f.offsets[locator] = 0
	return locator, nil
}

func (f *targetFake) QueryOffset(_ context.Context, locator string, _ domain.FileDescriptor, _ domain.Credential) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	offset, ok := f.offsets[locator]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	return offset, nil
}

func (f *targetFake) PutChunk(_ context.Context, locator string, chunk domain.Chunk, cred domain.Credential) (int64, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, putAttempt{index: chunk.Index, token: cred.Token})
	call := len(f.attempts)
	putErr := f.putErr
	f.mu.Unlock()

	if putErr != nil {
		if err := putErr(call, chunk, cred); err != nil {
			return 0, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted[chunk.Index] = bytes.Clone(chunk.Data)
	if end := chunk.End(); end > f.offsets[locator] {
		f.offsets[locator] = end
	}
	return chunk.End(), nil
}

func (f *targetFake) Commit(context.Context, string, domain.FileDescriptor, domain.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *targetFake) SupportsParallelChunks() bool { return f.parallel }

func (f *targetFake) Attempts() []putAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]putAttempt(nil), f.attempts...)
}

func (f *targetFake) assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for i := 0; ; i++ {
		data, ok := f.accepted[i]
		if !ok {
			return out
		}
		out = append(out, data...)
	}
}

type negotiatorFake struct {
	mu            sync.Mutex
	result        domain.InitResult
	initErr       error
	finalizeErr   error
	initCalls     int
	finalizeCalls int
	keys          []string
	// block, when set, holds Init until it is closed or the context ends.
	block chan struct{}
	// started receives the file name of every Init call.
	started chan string
	// byKey, when set, collapses a repeated key onto its first upload, reported ready.
	byKey map[string]domain.InitResult
}

func (f *negotiatorFake) Init(ctx context.Context, file domain.FileDescriptor, key string) (domain.InitResult, error) {
	f.mu.Lock()
	f.initCalls++
	f.keys = append(f.keys, key)
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- file.Name
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.InitResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return domain.InitResult{}, f.initErr
	}
	if prev, ok := f.byKey[key]; ok {
		prev.State = domain.IngestionReady
		return prev, nil
	}
	result := f.result
	if result.ServerUploadID == "" {
		result.ServerUploadID = fmt.Sprintf("upload-%d", f.initCalls)
	}
	if result.ObjectHandle == "" {
		result.ObjectHandle = result.ServerUploadID + "/" + file.Name
	}
	if result.Bucket == "" {
		result.Bucket = "documents"
	}
	if f.byKey != nil {
		f.byKey[key] = result
	}
	return result, nil
}

func (f *negotiatorFake) Finalize(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	return f.finalizeErr
}

func (f *negotiatorFake) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.finalizeCalls
}

type statusFake struct {
	mu      sync.Mutex
	calls   int
	reports []domain.StatusReport
	errs    []error
}

func (f *statusFake) Status(_ context.Context, id string) (domain.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.StatusReport{}, err
		}
	}
	if len(f.reports) == 0 {
		return domain.StatusReport{UploadID: id, State: domain.IngestionProcessing}, nil
	}
	report := f.reports[0]
	if len(f.reports) > 1 {
		f.reports = f.reports[1:]
	}
	report.UploadID = id
	return report, nil
}

func (f *statusFake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type observerFake struct {
	mu        sync.Mutex
	started   int
	finished  map[domain.UploadStatus]int
	bytes     int
	refreshes int
	polls     int
}

func newObserverFake() *observerFake {
	return &observerFake{finished: make(map[domain.UploadStatus]int)}
}

func (o *observerFake) UploadStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *observerFake) UploadFinished(status domain.UploadStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[status]++
}

func (o *observerFake) ChunkSent(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes += n
}

func (o *observerFake) CredentialRefreshed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshes++
}

func (o *observerFake) PollAttempt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.polls++
}

var errUnauthorized = domain.WrapError(domain.ErrUnauthorized, "put chunk", errors.New("status 401: token expired"))

func testContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
