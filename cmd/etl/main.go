package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/mmts-etl/internal/adapter/climate"
	"github.com/couchcryptid/mmts-etl/internal/adapter/csvsink"
	httpadapter "github.com/couchcryptid/mmts-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/mmts-etl/internal/adapter/kafka"
	"github.com/couchcryptid/mmts-etl/internal/adapter/scene"
	"github.com/couchcryptid/mmts-etl/internal/config"
	"github.com/couchcryptid/mmts-etl/internal/observability"
	"github.com/couchcryptid/mmts-etl/internal/pipeline"
	"github.com/couchcryptid/mmts-etl/internal/sample"
	"github.com/couchcryptid/mmts-etl/internal/terrain"
	"github.com/couchcryptid/mmts-etl/internal/weather"
	"github.com/couchcryptid/mmts-etl/internal/zonal"
)

type rowSink interface {
	pipeline.RowLoader
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	src, err := scene.Open(cfg.ScenePath, logger)
	if err != nil {
		logger.Error("failed to open scene", "error", err)
		os.Exit(1)
	}

	// Climate covariates come from the archive API when configured, else from
	// the series embedded in the scene.
	var climateSource weather.ClimateSource = src
	if cfg.ClimateBaseURL != "" {
		client := climate.NewClient(cfg.ClimateBaseURL, cfg.ClimateTimeout, cfg.ClimateRateLimit, metrics, logger)
		cached, err := climate.NewCachedSource(client, cfg.ClimateCacheSize, metrics)
		if err != nil {
			logger.Error("failed to create climate cache", "error", err)
			os.Exit(1)
		}
		climateSource = cached
		logger.Info("climate archive enabled", "base_url", cfg.ClimateBaseURL, "cache_size", cfg.ClimateCacheSize)
	} else {
		logger.Info("using climate series from scene")
	}

	stages, err := pipeline.NewStages(cfg, climateSource, logger)
	if err != nil {
		logger.Error("failed to build stages", "error", err)
		os.Exit(1)
	}
	opts, err := runOptions(cfg, logger)
	if err != nil {
		logger.Error("invalid run options", "error", err)
		os.Exit(1)
	}

	sink, err := newSink(cfg, logger)
	if err != nil {
		logger.Error("failed to open sink", "error", err)
		os.Exit(1)
	}

	p := pipeline.New(src, stages, sink, opts, logger, metrics)
	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	exitCode := 0
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline error", "error", err)
		exitCode = 1
	}
	logger.Info("shutting down", "progress", p.Progress())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := sink.Close(); err != nil {
		logger.Error("sink close error", "error", err)
		exitCode = 1
	}

	logger.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func runOptions(cfg *config.Config, logger *slog.Logger) (pipeline.Options, error) {
	start, end := cfg.Period()
	opts := pipeline.Options{
		Workers:         cfg.Workers,
		Start:           start,
		End:             end,
		MaxCloudPercent: cfg.MaxCloudPercent,
		JoinTolerance:   cfg.JoinTolerance,
	}

	var err error
	if opts.Terrain, err = terrain.NewBuilder(cfg.TerrainTolerance, cfg.TerrainUnitScale, cfg.Workers, logger); err != nil {
		return pipeline.Options{}, err
	}

	if cfg.GenerateRegions {
		target, err := sample.ParseTarget(cfg.LandCoverClass)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.Generator, err = sample.NewGenerator(sample.Options{
			Count:  cfg.PointCount,
			Radius: cfg.BufferRadius,
			Target: target,
			Seed:   cfg.Seed,
		}, logger)
		if err != nil {
			return pipeline.Options{}, err
		}
	}

	policy, err := zonal.ParseNullPolicy(cfg.NullHandling)
	if err != nil {
		return pipeline.Options{}, err
	}
	opts.Filter = zonal.NewFilter(policy)
	opts.Filter.OpticalKey = cfg.OpticalKeyBand
	return opts, nil
}

func newSink(cfg *config.Config, logger *slog.Logger) (rowSink, error) {
	if cfg.Sink == config.SinkKafka {
		logger.Info("writing rows to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return kafkaadapter.NewWriter(cfg, logger), nil
	}
	logger.Info("writing rows to csv", "path", cfg.CSVPath)
	return csvsink.Create(cfg.CSVPath, logger)
}
