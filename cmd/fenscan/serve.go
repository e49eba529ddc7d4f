package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thyrook/fenscan/internal/api"
	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/metrics"
	"github.com/thyrook/fenscan/internal/pipeline"
	"github.com/thyrook/fenscan/internal/storage"
)

func serveCommand(a *app) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scan API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if address != "" {
				a.cfg.Server.Address = address
			}
			return runServe(a)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Override the configured listen address")
	return cmd
}

func runServe(a *app) error {
	cfg := a.cfg
	logger := a.logger()

	classifier, closer, err := classify.New(cfg.BackendOptions())
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := cfg.PipelineOptions(logger)

	var (
		gatherer    prometheus.Gatherer
		scanMetrics *metrics.ScanMetrics
	)
	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		scanMetrics, err = metrics.NewScanMetrics(reg)
		if err != nil {
			return err
		}
		opts.Recorder = scanMetrics
		opts.CellRecorder = scanMetrics
		gatherer = reg
	}

	p, err := pipeline.New(classifier, opts)
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(p, logger)
	defer runner.Close()

	var store *storage.ScanStore
	if cfg.Storage.Enabled {
		store, err = storage.NewScanStore(cfg.Storage.DBPath, cfg.Storage.MaxSamples)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	srv, err := api.New(api.Options{
		Runner:      runner,
		Store:       store,
		Metrics:     scanMetrics,
		Gatherer:    gatherer,
		JobTTL:      cfg.JobTTL(),
		MaxUploadMB: cfg.Server.MaxUploadMB,
		Version:     cfg.Version,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Address)
	}()

	logger.Info("fenscan API started",
		zap.String("address", cfg.Server.Address),
		zap.String("backend", cfg.Classifier.Backend),
		zap.Bool("storage", store != nil),
		zap.Bool("metrics", gatherer != nil))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}
