package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/document-uploader/internal/config"
	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/infrastructure/storage/resumable"
	"github.com/kirillkom/document-uploader/internal/observability/metrics"
)

type repoStub struct {
	rec *domain.UploadRecord
}

func (r repoStub) CreateOrGet(context.Context, *domain.UploadRecord) (*domain.UploadRecord, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (r repoStub) GetByID(context.Context, string) (*domain.UploadRecord, error) {
	if r.rec == nil {
		return nil, domain.ErrUploadNotFound
	}
	return r.rec, nil
}

func (r repoStub) UpdateState(context.Context, string, domain.IngestionState, string) error {
	return nil
}

func (r repoStub) MarkFinalized(context.Context, string, time.Time) error { return nil }

func (r repoStub) SaveInspection(context.Context, string, domain.Inspection, string) error {
	return nil
}

func (r repoStub) FindReadyByContentHash(context.Context, string, string) (*domain.UploadRecord, error) {
	return nil, domain.ErrUploadNotFound
}

type processorFunc func(ctx context.Context, id string) error

func (f processorFunc) ProcessByID(ctx context.Context, id string) error { return f(ctx, id) }

type finishedIngestion struct {
	contentType string
	outcome     string
}

type metricsSpy struct {
	started  int
	finished []finishedIngestion
	lags     []time.Duration
}

func (m *metricsSpy) IngestionStarted() { m.started++ }

func (m *metricsSpy) IngestionFinished(contentType, outcome string, _ time.Duration) {
	m.finished = append(m.finished, finishedIngestion{contentType: contentType, outcome: outcome})
}

func (m *metricsSpy) ObserveFinalizeLag(lag time.Duration) { m.lags = append(m.lags, lag) }

func TestIngestionHandlerRecordsLagAndOutcome(t *testing.T) {
	finalized := time.Now().Add(-2 * time.Second)
	spy := &metricsSpy{}
	var deadline time.Time
	handler := IngestionHandler(
		repoStub{rec: &domain.UploadRecord{
			ID:          "u-1",
			ContentType: "Application/PDF; charset=binary",
			State:       domain.IngestionReady,
			FinalizedAt: &finalized,
		}},
		processorFunc(func(ctx context.Context, id string) error {
			deadline, _ = ctx.Deadline()
			return nil
		}),
		spy,
		time.Minute,
		nil,
	)

	if err := handler(context.Background(), "u-1"); err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if deadline.IsZero() {
		t.Fatalf("expected processing to run under a deadline")
	}
	want := finishedIngestion{contentType: "application/pdf", outcome: metrics.OutcomeReady}
	if spy.started != 1 || len(spy.finished) != 1 || spy.finished[0] != want {
		t.Fatalf("unexpected metrics: %+v", spy)
	}
	if len(spy.lags) != 1 || spy.lags[0] < 2*time.Second {
		t.Fatalf("expected finalize lag of at least 2s, got %v", spy.lags)
	}
}

func TestIngestionHandlerPropagatesProcessingError(t *testing.T) {
	spy := &metricsSpy{}
	boom := errors.New("object store unavailable")
	handler := IngestionHandler(
		repoStub{},
		processorFunc(func(context.Context, string) error { return boom }),
		spy,
		0,
		nil,
	)

	if err := handler(context.Background(), "u-2"); !errors.Is(err, boom) {
		t.Fatalf("expected processing error, got %v", err)
	}
	if len(spy.lags) != 0 {
		t.Fatalf("expected no lag without a finalized record, got %v", spy.lags)
	}
	if len(spy.finished) != 1 || spy.finished[0].outcome != metrics.OutcomeRetry {
		t.Fatalf("expected a retry outcome, got %+v", spy.finished)
	}
}

func TestIngestionHandlerCountsRejectedDocumentAsFailed(t *testing.T) {
	spy := &metricsSpy{}
	handler := IngestionHandler(
		repoStub{rec: &domain.UploadRecord{ID: "u-3", ContentType: "text/plain", State: domain.IngestionFailed}},
		processorFunc(func(context.Context, string) error { return errors.New("document has no readable pages") }),
		spy,
		0,
		nil,
	)

	if err := handler(context.Background(), "u-3"); err == nil {
		t.Fatalf("expected processing error")
	}
	want := finishedIngestion{contentType: "text/plain", outcome: metrics.OutcomeFailed}
	if len(spy.finished) != 1 || spy.finished[0] != want {
		t.Fatalf("expected a failed outcome, got %+v", spy.finished)
	}
}

func TestNewTransferTargetSelectsTransport(t *testing.T) {
	cfg := config.Config{
		UploaderTransport:   config.TransportResumable,
		UploaderStorageURL:  "http://localhost:8080",
		UploaderHTTPTimeout: time.Second,
	}
	target, err := newTransferTarget(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newTransferTarget() error = %v", err)
	}
	if _, ok := target.(*resumable.Target); !ok {
		t.Fatalf("expected resumable target, got %T", target)
	}

	cfg.UploaderTransport = "carrier-pigeon"
	if _, err := newTransferTarget(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected unknown transport to fail")
	}
}
