package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollMaxAttempts = 60
)

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c PollConfig) normalize() PollConfig {
	if c.Interval < 0 {
		c.Interval = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultPollMaxAttempts
	}
	return c
}

// StatusPoller waits for the ingestion pipeline to reach a terminal state.
type StatusPoller struct {
	source   ports.StatusSource
	cfg      PollConfig
	logger   *slog.Logger
	observer Observer
}

func NewStatusPoller(source ports.StatusSource, cfg PollConfig, logger *slog.Logger, observer Observer) *StatusPoller {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &StatusPoller{source: source, cfg: cfg.normalize(), logger: logger, observer: observer}
}

// Poll queries the status at most MaxAttempts times, waiting Interval before each query.
// A failed ingestion returns the report together with an ErrIngestion error; an exhausted
// budget returns ErrPollTimeout.
func (p *StatusPoller) Poll(ctx context.Context, serverUploadID string) (domain.StatusReport, error) {
	var last domain.StatusReport
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := sleep(ctx, p.cfg.Interval); err != nil {
			return last, err
		}

		p.observer.PollAttempt()
		report, err := p.source.Status(ctx, serverUploadID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			if !domain.IsKind(err, domain.ErrTemporary) {
				return last, fmt.Errorf("poll status: %w", err)
			}
			p.logger.Warn("status_poll_error",
				"upload_id", serverUploadID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		last = report

		switch report.State {
		case domain.IngestionReady:
			return report, nil
		case domain.IngestionFailed:
			message := report.Error
			if message == "" {
				message = "ingestion failed"
			}
			return report, fmt.Errorf("%w: %s", domain.ErrIngestion, message)
		}
	}

	p.logger.Warn("status_poll_timeout",
		"upload_id", serverUploadID,
		"attempts", p.cfg.MaxAttempts,
		"interval", p.cfg.Interval.String(),
	)
	return last, fmt.Errorf("%w after %d attempts", domain.ErrPollTimeout, p.cfg.MaxAttempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ingestionMessage returns the server message of a failed ingestion verbatim.
func ingestionMessage(report domain.StatusReport, err error) string {
	if errors.Is(err, domain.ErrIngestion) && report.Error != "" {
		return report.Error
	}
	return err.Error()
}
