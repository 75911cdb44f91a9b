package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/cleanup"
	"github.com/italolelis/blob_ingest/internal/config"
	"github.com/italolelis/blob_ingest/internal/http/rest"
	"github.com/italolelis/blob_ingest/internal/ingest"
	"github.com/italolelis/blob_ingest/internal/lease"
	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/marker"
	"github.com/italolelis/blob_ingest/internal/mover"
	"github.com/italolelis/blob_ingest/internal/notifier"
	"github.com/italolelis/blob_ingest/internal/storage"
	"github.com/italolelis/blob_ingest/internal/storage/sqlite"
	"github.com/italolelis/blob_ingest/internal/telemetry"
	"github.com/italolelis/blob_ingest/internal/transfer"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("blob ingest starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)
	owner := storage.NewOwnerID("ingest")

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	queue := sqlite.NewInstrumentedJobQueue(
		sqlite.NewJobQueue(database, owner, cfg.LockDuration, cfg.MaxDeliveries),
		tel,
	)

	// =========================================================================
	// Start Storage Client
	open := blobstore.URLOpener(cfg.BlobURL)
	leases := sqlite.NewLeaseRepository(database)

	newClient := func() *blobstore.Client {
		return blobstore.New(open, leases,
			blobstore.WithOwner(owner),
			blobstore.WithTelemetry(tel),
		)
	}

	client := newClient()
	defer client.Close()

	markers := marker.NewWriter(client, tel)
	layout := mover.Layout{RawFolder: cfg.RawFolder, DatasetsFolder: cfg.DatasetsFolder}

	// =========================================================================
	// Start Mover
	m := mover.New(client, markers, layout, tel)
	m.LeaseDuration = cfg.MoveLeaseDuration
	m.CopyTimeout = cfg.CopyTimeout
	m.Renewer = newRenewer("blob", cfg, tel)

	// =========================================================================
	// Start Ingest Worker
	fetcher, err := buildFetcher(cfg, client, newClient)
	if err != nil {
		return err
	}

	worker := ingest.NewWorker(
		queue,
		transfer.NewInstrumentedFetcher(fetcher, tel, cfg.DownloadMode),
		ingest.NewPublishProcessor(client, layout.Destination),
		markers,
		newRenewer("job", cfg, tel),
		tel,
	)
	worker.Output = layout.Destination
	worker.Container = cfg.Container
	worker.WorkDir = cfg.WorkDir
	worker.JobTimeout = cfg.JobTimeout
	worker.PollInterval = cfg.PollInterval

	if cfg.DiscordWebhookURL != "" {
		worker.Notifier = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	// =========================================================================
	// Start API Service
	api := rest.NewIngestHandler(cfg.APIUsername, cfg.APIPassword, queue, marker.NewReader(client), m)
	api.Container = cfg.Container

	server := setupServer(ctx, cfg, tel, api)

	logger.Info("waiting for jobs...",
		"container", cfg.Container,
		"download_mode", cfg.DownloadMode,
		"work_dir", cfg.WorkDir,
		"poll_interval", cfg.PollInterval.String(),
		"job_timeout", cfg.JobTimeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	g.Go(func() error {
		cleanup.Run(gctx, cfg.WorkDir, cfg.ScratchTTL, cfg.CleanupInterval)

		return nil
	})

	g.Go(func() error {
		worker.Run(gctx)

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

func newRenewer(kind string, cfg *config.Config, tel *telemetry.Telemetry) *lease.Renewer {
	r := lease.NewRenewer(kind, tel)
	r.Interval = cfg.RenewInterval
	r.Threshold = cfg.RenewThreshold

	return r
}

// buildFetcher picks the download strategy. The sync variant dials its own client per
// transfer because a timeout closes that client.
func buildFetcher(cfg *config.Config, client *blobstore.Client, newClient func() *blobstore.Client) (transfer.Fetcher, error) {
	switch cfg.DownloadMode {
	case config.DownloadModeParallel:
		return transfer.NewParallelDownloader(client, cfg.ChunkCount, int64(cfg.SegmentSize)), nil
	case config.DownloadModeSync:
		return transfer.NewSyncDownloader(func(context.Context) (transfer.BlockingClient, error) {
			return newClient(), nil
		}), nil
	}

	return nil, fmt.Errorf("invalid download mode: %s", cfg.DownloadMode)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, h *rest.IngestHandler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
