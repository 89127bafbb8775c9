package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-uploader/internal/adapters/apiclient"
	"github.com/kirillkom/document-uploader/internal/config"
	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
	"github.com/kirillkom/document-uploader/internal/infrastructure/resilience"
	"github.com/kirillkom/document-uploader/internal/infrastructure/sessionstore/sqlite"
	"github.com/kirillkom/document-uploader/internal/infrastructure/storage/resumable"
	"github.com/kirillkom/document-uploader/internal/infrastructure/storage/s3multipart"
	"github.com/kirillkom/document-uploader/internal/observability/metrics"
	"github.com/kirillkom/document-uploader/internal/uploader"
)

const clientService = "uploader"

// Client is the wired upload coordinator used by the CLI.
type Client struct {
	Coordinator *uploader.Coordinator
	Metrics     *metrics.ClientMetrics

	closeFn func()
}

func NewClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.ValidateUploader(); err != nil {
		return nil, fmt.Errorf("invalid uploader config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	observer := metrics.NewClientMetrics(clientService)

	api := apiclient.New(apiclient.Config{
		BaseURL: cfg.UploaderAPIURL,
		APIKey:  cfg.UploaderAPIKey,
		Timeout: cfg.UploaderHTTPTimeout,
	}, resilience.NewExecutor(resilience.SingleAttemptConfig(), logger), logger)
	negotiator := apiclient.NewNegotiator(api)

	target, err := newTransferTarget(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.UploaderSessionDB)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if cfg.UploaderSessionMaxAge > 0 {
		pruned, err := store.Prune(ctx, time.Now().UTC().Add(-cfg.UploaderSessionMaxAge))
		if err != nil {
			logger.Warn("session_prune_failed", "error", err)
		} else if pruned > 0 {
			logger.Info("sessions_pruned", "count", pruned)
		}
	}

	engine := uploader.NewTransferEngine(
		apiclient.NewCredentialBroker(api),
		target,
		store,
		uploader.TransferConfig{
			ChunkSize:     cfg.UploaderChunkSize,
			Parallelism:   cfg.UploaderChunkParallelism,
			SessionMaxAge: cfg.UploaderSessionMaxAge,
			Budget: uploader.RetryBudget{
				Auth:  cfg.UploaderAuthRetryBudget,
				Other: cfg.UploaderOtherRetryBudget,
			},
		},
		logger,
		observer,
	)
	poller := uploader.NewStatusPoller(negotiator, uploader.PollConfig{
		Interval:    cfg.UploaderPollInterval,
		MaxAttempts: cfg.UploaderPollMaxAttempts,
	}, logger, observer)
	coordinator := uploader.NewCoordinator(negotiator, engine, poller, store, uploader.CoordinatorConfig{
		Admission:     domain.NewAdmissionPolicy(cfg.UploadMaxSize, cfg.UploadAllowedTypes),
		MaxConcurrent: cfg.UploaderMaxConcurrent,
		SessionMaxAge: cfg.UploaderSessionMaxAge,
	}, logger, observer)

	return &Client{
		Coordinator: coordinator,
		Metrics:     observer,
		closeFn: func() {
			_ = store.Close()
		},
	}, nil
}

func newTransferTarget(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.TransferTarget, error) {
	switch cfg.UploaderTransport {
	case config.TransportResumable, "":
		target, err := resumable.New(cfg.UploaderStorageURL, cfg.UploaderHTTPTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("init resumable target: %w", err)
		}
		return target, nil
	case config.TransportS3:
		target, err := s3multipart.New(ctx, s3multipart.Config{
			Region:    cfg.UploaderS3Region,
			Endpoint:  cfg.UploaderS3Endpoint,
			PathStyle: cfg.UploaderS3PathStyle,
		}, resilience.NewExecutor(resilience.SingleAttemptConfig(), logger), logger)
		if err != nil {
			return nil, fmt.Errorf("init s3 target: %w", err)
		}
		return target, nil
	default:
		return nil, fmt.Errorf("unknown uploader transport %q", cfg.UploaderTransport)
	}
}

func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}
