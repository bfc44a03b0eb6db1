package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geobc/ems-aquifer-sync/internal/adapter/arcgis"
	"github.com/geobc/ems-aquifer-sync/internal/adapter/ckan"
	httpadapter "github.com/geobc/ems-aquifer-sync/internal/adapter/http"
	"github.com/geobc/ems-aquifer-sync/internal/adapter/transport"
	"github.com/geobc/ems-aquifer-sync/internal/config"
	"github.com/geobc/ems-aquifer-sync/internal/domain"
	"github.com/geobc/ems-aquifer-sync/internal/observability"
	"github.com/geobc/ems-aquifer-sync/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	registry, err := domain.LoadStationRegistry(cfg.StationsFile)
	if err != nil {
		logger.Error("failed to load station registry", "error", err, "path", cfg.StationsFile)
		return 1
	}

	httpClient := transport.NewHTTPClient(cfg.HTTPTimeout, cfg.HTTPRetries, logger)

	source := ckan.NewClient(ckan.Options{
		BaseURL:    cfg.CKANBaseURL,
		ResourceID: cfg.CKANResourceID,
		Token:      cfg.CKANAPIToken,
		Mode:       ckan.Mode(cfg.SourceMode),
		PageSize:   cfg.SourcePageSize,
		// The full CSV export can take longer than HTTP_TIMEOUT to stream;
		// RUN_TIMEOUT bounds it instead.
		DownloadClient: transport.NewDownloadClient(cfg.HTTPTimeout, cfg.HTTPRetries, logger),
	}, httpClient, logger)

	publisher := arcgis.NewClient(arcgis.Options{
		PortalURL:  cfg.PortalURL,
		Username:   cfg.Username,
		Password:   cfg.Password,
		ItemID:     cfg.ItemID,
		LayerIndex: cfg.LayerIndex,
		BatchSize:  cfg.PublishBatchSize,
		Workers:    cfg.PublishWorkers,
		RateLimit:  cfg.PublishRateLimit,
		// Outlive the run so the token never expires mid-publish.
		TokenExpiration: cfg.RunTimeout + 5*time.Minute,
	}, httpClient, logger)

	open := func(ctx context.Context) (pipeline.Session, error) {
		s, err := publisher.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	policy := domain.RetainAll
	if cfg.DeleteStale {
		policy = domain.DeleteStale
	}

	p := pipeline.New(source, open, registry, domain.NewNormalizer(cfg.SourceLocation), logger, metrics, pipeline.Options{
		DeletePolicy: policy,
		DryRun:       cfg.DryRun,
		GroupID:      cfg.GroupID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional health and metrics endpoints for the duration of the run.
	var srv *httpadapter.Server
	if cfg.HTTPAddr != "" {
		srv = httpadapter.NewServer(cfg.HTTPAddr, p, metrics.Registry, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	sum, runErr := p.Run(runCtx)
	cancel()

	// Pushing and shutdown get their own deadline so a timed-out run still
	// reports.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if cfg.PushgatewayURL != "" {
		if err := observability.Push(shutdownCtx, cfg.PushgatewayURL, registry.Aquifer, metrics); err != nil {
			logger.Warn("failed to push metrics", "error", err, "gateway", cfg.PushgatewayURL)
		}
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("sync failed", "run_id", sum.RunID, "state", sum.State, "error", runErr)
		return 1
	}
	logger.Info("sync finished", "run_id", sum.RunID, "status", sum.Status())
	return 0
}
