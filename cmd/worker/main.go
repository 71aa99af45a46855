// Package main runs a composite worker: it polls the scheduler for
// leased tasks, produces the composite, and reports the outcome.
// Prometheus metrics are exposed on the configured metrics address.
//
// Processing is delegated to an external processor command invoked as
//
//	<cmd> <composite> <RFC3339 timestamp>
//
// with a skip-if-product-exists pre-check against the object store, so
// reprocessing an already-produced slot is a no-op success.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tafor/himawari-scheduler/pkg/config"
	"github.com/tafor/himawari-scheduler/pkg/logger"
	"github.com/tafor/himawari-scheduler/pkg/storage"
	"github.com/tafor/himawari-scheduler/pkg/worker"
)

// buildProcessor assembles the idempotency pre-check and the external
// processor command.
func buildProcessor(cfg *config.Worker) (worker.Processor, error) {
	var store *storage.ProductStore
	if cfg.S3Endpoint != "" {
		ps, err := storage.NewProductStore(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.ProductBucket,
		})
		if err != nil {
			return nil, err
		}
		store = ps
	}

	return worker.ProcessorFunc(func(ctx context.Context, composite string, ts time.Time) error {
		if store != nil {
			exists, err := store.Exists(ctx, composite, ts)
			if err != nil {
				// The existence check is an optimization; fall through
				// to processing when the store cannot answer.
				logger.Log.Warn().Err(err).Str("composite", composite).Msg("Product existence check failed")
			} else if exists {
				logger.Log.Info().
					Str("composite", composite).
					Time("timestamp", ts).
					Msg("Product already exists, skipping processing")
				return nil
			}
		}

		if cfg.ProcessorCmd == "" {
			return fmt.Errorf("no processor command configured")
		}

		cmd := exec.CommandContext(ctx, cfg.ProcessorCmd, composite, ts.UTC().Format(time.RFC3339))
		out, err := cmd.CombinedOutput()
		if err != nil {
			detail := strings.TrimSpace(string(out))
			if len(detail) > 512 {
				detail = detail[len(detail)-512:]
			}
			return fmt.Errorf("processor command failed: %w: %s", err, detail)
		}
		return nil
	}), nil
}

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		http.ListenAndServe(cfg.MetricsAddr, nil)
	}()

	processor, err := buildProcessor(cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to build processor")
	}

	client := worker.NewClient(cfg.ServerURL, cfg.WorkerID)
	logger.Log.Info().
		Str("worker_id", client.WorkerID()).
		Str("server_url", cfg.ServerURL).
		Msg("Worker starting")

	loop := worker.NewLoop(client, processor, cfg.PollInterval)
	loop.Run(ctx)

	logger.Log.Info().Msg("Worker stopped")
}
