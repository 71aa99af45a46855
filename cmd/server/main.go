// Package main runs the scheduler service: the task API, the queue
// metrics collector, and optionally the in-process task generator.
//
// Endpoints:
//
//	POST /api/tasks                   create a task
//	GET  /api/tasks                   list tasks (status/composite filters, pagination)
//	GET  /api/tasks/next              lease the next pending task
//	GET  /api/tasks/{task_id}         read one task
//	PUT  /api/tasks/{task_id}/status  report a worker result
//	GET  /api/products/{composite}    fetch a product URL or trigger a backfill
//	GET  /metrics                     Prometheus metrics
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tafor/himawari-scheduler/pkg/config"
	"github.com/tafor/himawari-scheduler/pkg/datasource"
	"github.com/tafor/himawari-scheduler/pkg/generator"
	"github.com/tafor/himawari-scheduler/pkg/logger"
	"github.com/tafor/himawari-scheduler/pkg/scheduler"
	"github.com/tafor/himawari-scheduler/pkg/storage"
)

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "himawari_scheduler_queue_depth",
		Help: "Number of pending tasks in the queue",
	})

	tasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "himawari_scheduler_tasks",
		Help: "Number of known tasks per status",
	}, []string{"status"})
)

// collectQueueMetrics refreshes the scheduler gauges from the store.
func collectQueueMetrics(ctx context.Context, mgr *scheduler.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := mgr.QueueDepth(ctx); err == nil {
				queueDepthGauge.Set(float64(depth))
			}
			if counts, err := mgr.StatusCounts(ctx); err == nil {
				for status, n := range counts {
					tasksByStatus.WithLabelValues(string(status)).Set(float64(n))
				}
			}
		}
	}
}

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := scheduler.NewManager(cfg.RedisAddr, cfg.Composites, &scheduler.Options{
		TaskTTL:  cfg.TaskTTL,
		LockTTL:  cfg.LockTTL,
		LockWait: cfg.LockWait,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mgr.Ping(pingCtx); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Task store unreachable")
	}

	var store productStore
	if cfg.S3Endpoint != "" {
		ps, err := storage.NewProductStore(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.ProductBucket,
		})
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to connect object store")
		}
		store = ps
	} else {
		logger.Log.Warn().Msg("No object store configured; product backfill endpoint disabled")
	}

	if cfg.EnableGenerator {
		archive, err := datasource.NewArchive(datasource.Config{
			Endpoint: cfg.ArchiveEndpoint,
			Bucket:   cfg.ArchiveBucket,
			Prefix:   cfg.ArchivePrefix,
		})
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to connect upstream archive")
		}
		gen := generator.New(mgr, archive, generator.Config{
			Composites: cfg.Composites,
			Cadence:    cfg.Cadence,
			Lag:        cfg.GeneratorLag,
			Threshold:  cfg.FileThreshold,
			Tick:       cfg.GeneratorTick,
		})
		if err := gen.Start(); err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to start task generator")
		}
		defer gen.Stop()
	}

	go collectQueueMetrics(ctx, mgr, 5*time.Second)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: setupRouter(mgr, store, cfg),
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.ListenAddr).Msg("Scheduler server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Log.Info().Msg("Shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Server shutdown failed")
	}
}
