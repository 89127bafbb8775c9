package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/document-uploader/internal/config"
	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
	"github.com/kirillkom/document-uploader/internal/core/usecase"
	"github.com/kirillkom/document-uploader/internal/infrastructure/credentials"
	"github.com/kirillkom/document-uploader/internal/infrastructure/inspect"
	"github.com/kirillkom/document-uploader/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-uploader/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-uploader/internal/infrastructure/resilience"
	"github.com/kirillkom/document-uploader/internal/infrastructure/storage/localfs"
)

// App holds the server side shared by the API and the ingestion worker.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue       *nats.Queue
	Repo        ports.UploadRepository
	Storage     ports.ResumableStorage
	Credentials ports.CredentialIssuer
	UploadUC    ports.UploadService
	ProcessUC   ports.UploadProcessor

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, name string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewUploadRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		Name:               "document-uploader-" + name,
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig(), logger),
		Logger:             logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	issuer, err := credentials.NewIssuer(credentials.Config{
		Secret: cfg.CredentialSecret,
		TTL:    cfg.CredentialTTL,
		Storage: credentials.StorageKeys{
			AccessKeyID:     cfg.CredentialS3AccessKeyID,
			SecretAccessKey: cfg.CredentialS3SecretAccessKey,
		},
	})
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init credential issuer: %w", err)
	}

	policy := domain.NewAdmissionPolicy(cfg.UploadMaxSize, cfg.UploadAllowedTypes)
	uploadUC := usecase.NewUploadUseCase(repo, storage, queue, policy, cfg.StorageBucket, logger)
	processUC := usecase.NewProcessUploadUseCase(repo, storage, inspect.New(), logger)

	return &App{
		Config: cfg,
		Logger: logger,

		Queue:       queue,
		Repo:        repo,
		Storage:     storage,
		Credentials: issuer,
		UploadUC:    uploadUC,
		ProcessUC:   processUC,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
