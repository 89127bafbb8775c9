package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kirillkom/document-uploader/internal/bootstrap"
	"github.com/kirillkom/document-uploader/internal/config"
	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/observability/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("uploader", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "YAML config file; environment variables take precedence")
	title := flags.String("title", "", "document title (single file only)")
	metricsAddr := flags.String("metrics-addr", "", "serve client metrics on this address, e.g. :9091")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: uploader [-config file] [-title title] [-metrics-addr addr] file...")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}
	paths := flags.Args()
	if len(paths) == 0 {
		flags.Usage()
		return 2
	}
	if *title != "" && len(paths) > 1 {
		fmt.Fprintln(stderr, "-title applies to a single file")
		return 2
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	format := cfg.LogFormat
	if os.Getenv("LOG_FORMAT") == "" {
		format = "text"
	}
	logger := logging.New(stderr, format, "uploader", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bootstrap.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		return 1
	}
	defer client.Close()

	if *metricsAddr != "" {
		server := serveMetrics(*metricsAddr, client.Metrics.Handler(), logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	printer := newProgressPrinter(stdout)
	unsubscribe := client.Coordinator.Subscribe(printer.print)
	defer unsubscribe()

	files := make([]*os.File, len(paths))
	defer func() {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
	}()

	// Opening and fingerprinting run side by side; rejections are reported in argument order.
	rejections := make([]error, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Go(func() {
			f, file, err := openDocument(path)
			if err != nil {
				rejections[i] = err
				return
			}
			files[i] = f
			if _, err := client.Coordinator.Enqueue(ctx, file, f, *title); err != nil {
				rejections[i] = err
			}
		})
	}
	wg.Wait()

	rejected := 0
	for i, err := range rejections {
		if err != nil {
			rejected++
			fmt.Fprintf(stderr, "%s: %v\n", paths[i], err)
		}
	}

	if err := client.Coordinator.Wait(ctx); err != nil {
		logger.Warn("uploads_interrupted", "error", err)
	}
	// Interrupted uploads observe the cancelled context and finish on their own.
	_ = client.Coordinator.Wait(context.Background())

	failed := rejected
	for _, item := range client.Coordinator.Items() {
		switch item.Status {
		case domain.UploadReady:
			line := fmt.Sprintf("ready   %s (%s)", item.Title, item.ServerUploadID)
			if item.Dedup != nil && item.Dedup.Duplicate {
				line += " duplicate of " + item.Dedup.ExistingID
			}
			fmt.Fprintln(stdout, line)
		default:
			failed++
			fmt.Fprintf(stdout, "failed  %s: %s\n", item.Title, item.Error)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// openDocument opens path and describes it by base name, size and detected media type.
func openDocument(path string) (*os.File, domain.FileDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.FileDescriptor{}, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, domain.FileDescriptor{}, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, domain.FileDescriptor{}, errors.New("is a directory")
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		_ = f.Close()
		return nil, domain.FileDescriptor{}, fmt.Errorf("detect media type: %w", err)
	}
	return f, domain.FileDescriptor{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: domain.NormalizeContentType(mtype.String()),
	}, nil
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()
	return server
}

// progressPrinter writes one line per status change and per progress step.
type progressPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]domain.UploadItem
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: make(map[string]domain.UploadItem)}
}

func (p *progressPrinter) print(item domain.UploadItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, seen := p.last[item.ID]
	if seen && prev.Status == item.Status && prev.Progress == item.Progress {
		return
	}
	p.last[item.ID] = item
	if item.Status == domain.UploadUploading {
		fmt.Fprintf(p.w, "%-10s %s %3d%%\n", item.Status, item.Title, item.Progress)
		return
	}
	fmt.Fprintf(p.w, "%-10s %s\n", item.Status, item.Title)
}
