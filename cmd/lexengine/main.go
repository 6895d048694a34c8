// Legal document ingestion engine
// Watches an intake folder, runs the OCR/normalize/classify/index
// pipeline and serves Prometheus metrics
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gomaslegal/lexengine/internal/config"
	"github.com/gomaslegal/lexengine/internal/logger"
	"github.com/gomaslegal/lexengine/internal/metrics"
	"github.com/gomaslegal/lexengine/internal/notify"
	"github.com/gomaslegal/lexengine/internal/ocr"
	"github.com/gomaslegal/lexengine/internal/pipeline"
	"github.com/gomaslegal/lexengine/internal/watcher"
	"github.com/gomaslegal/lexengine/pkg/classify"
	"github.com/gomaslegal/lexengine/pkg/document"
	"github.com/gomaslegal/lexengine/pkg/index"
	"github.com/gomaslegal/lexengine/pkg/store"
)

var baseDir = flag.String("base", "data", "Base directory for input, artifacts and state")

func main() {
	flag.Parse()

	cfg := config.Load(*baseDir)
	logger.InitGlobal(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logger.Global()

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create directories")
	}

	log.Info().
		Str("watch", cfg.WatchDir).
		Str("db", cfg.DBPath).
		Int("workers", cfg.Workers).
		Msg("lexengine starting")

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer s.Close()

	rules, err := classify.NewRuleSource(cfg.RulesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RulesPath).Msg("Failed to load classification rules")
	}

	artifacts, err := pipeline.NewArtifacts(cfg.ArtifactDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare artifact storage")
	}

	m := metrics.New()
	notifier := notify.New(func() ([]document.Snapshot, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.ListSnapshots(ctx)
	}, log, m, 32)
	defer notifier.Close()

	ocrClient := ocr.NewClient(ocr.Config{
		Endpoint: cfg.OCREndpoint,
		Model:    cfg.OCRModel,
		APIKey:   cfg.OCRAPIKey,
		Timeout:  cfg.StageTimeout,
	})

	w := watcher.New(&cfg, log, m)
	runner := pipeline.New(&cfg, s, index.NewTreeStore(s.DB()), index.NewBuilder(),
		ocrClient, classify.New(rules), notifier, artifacts, log, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsHandler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})
	g.Go(func() error {
		return runner.Run(ctx, w.Admissions())
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Engine stopped with error")
	}
	log.Info().Msg("Engine stopped")
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
