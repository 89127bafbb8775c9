package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
	"github.com/kirillkom/document-uploader/internal/observability/metrics"
)

// IngestionMetrics is recorded around every processed event.
type IngestionMetrics interface {
	IngestionStarted()
	IngestionFinished(contentType, outcome string, duration time.Duration)
	ObserveFinalizeLag(lag time.Duration)
}

// IngestionHandler adapts the processor to the queue subscription: it bounds each event
// by timeout and records the lag from the finalize timestamp.
func IngestionHandler(
	repo ports.UploadRepository,
	processor ports.UploadProcessor,
	ingestion IngestionMetrics,
	timeout time.Duration,
	logger *slog.Logger,
) func(context.Context, string) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, uploadID string) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		started := time.Now()
		contentType := ""
		if rec, err := repo.GetByID(ctx, uploadID); err == nil {
			contentType = domain.NormalizeContentType(rec.ContentType)
			if rec.FinalizedAt != nil && ingestion != nil {
				ingestion.ObserveFinalizeLag(started.Sub(*rec.FinalizedAt))
			}
		}

		if ingestion != nil {
			ingestion.IngestionStarted()
		}
		err := processor.ProcessByID(ctx, uploadID)
		if ingestion != nil {
			ingestion.IngestionFinished(contentType, ingestionOutcome(ctx, repo, uploadID, err), time.Since(started))
		}
		if err != nil {
			return err
		}
		logger.Debug("ingestion_event_handled", "upload_id", uploadID, "duration_ms", time.Since(started).Milliseconds())
		return nil
	}
}

// ingestionOutcome reads the state the processor left behind. A processing error without
// a terminal failed state leaves the event for redelivery.
func ingestionOutcome(ctx context.Context, repo ports.UploadRepository, uploadID string, processErr error) string {
	rec, err := repo.GetByID(context.WithoutCancel(ctx), uploadID)
	switch {
	case err == nil && rec.State == domain.IngestionFailed:
		return metrics.OutcomeFailed
	case processErr != nil:
		return metrics.OutcomeRetry
	default:
		return metrics.OutcomeReady
	}
}
