package worker

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tafor/himawari-scheduler/pkg/logger"
	"github.com/tafor/himawari-scheduler/pkg/tasks"
)

// Prometheus metrics for task processing.
var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "himawari_worker_processed_total",
		Help: "Total tasks processed by outcome and composite",
	}, []string{"status", "composite"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "himawari_worker_task_duration_seconds",
		Help:    "Duration of composite processing",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"composite"})

	leaseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "himawari_worker_lease_errors_total",
		Help: "Transport errors while leasing or reporting tasks",
	})
)

// Processor produces one composite for one slot. Implementations must be
// idempotent with respect to already-produced output: reprocessing an
// existing product is a no-op success.
type Processor interface {
	Process(ctx context.Context, composite string, ts time.Time) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, composite string, ts time.Time) error

func (f ProcessorFunc) Process(ctx context.Context, composite string, ts time.Time) error {
	return f(ctx, composite, ts)
}

// Loop polls the scheduler for leased work, runs the processor, and
// reports the outcome. It is the only caller of the processor and the
// only writer of terminal status for the tasks it leases.
type Loop struct {
	client       *Client
	processor    Processor
	pollInterval time.Duration
	retry        *backoff.Backoff
	log          zerolog.Logger
}

// NewLoop builds a worker loop polling every pollInterval when the queue
// is empty.
func NewLoop(client *Client, processor Processor, pollInterval time.Duration) *Loop {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Loop{
		client:       client,
		processor:    processor,
		pollInterval: pollInterval,
		retry: &backoff.Backoff{
			Min:    time.Second,
			Max:    time.Minute,
			Jitter: true,
		},
		log: logger.Log.With().Str("component", "worker").Str("worker_id", client.WorkerID()).Logger(),
	}
}

// Run executes the loop until the context is cancelled. Transport
// failures are transient: the loop logs, backs off and keeps polling,
// never crashing on a single error.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info().Str("poll_interval", l.pollInterval.String()).Msg("Worker loop started")

	for {
		if ctx.Err() != nil {
			return
		}

		lease, err := l.client.LeaseNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			leaseErrors.Inc()
			wait := l.retry.Duration()
			l.log.Error().Err(err).Str("retry_in", wait.String()).Msg("Failed to lease task")
			sleep(ctx, wait)
			continue
		}
		l.retry.Reset()

		if lease == nil {
			l.log.Debug().Msg("No tasks available")
			sleep(ctx, l.pollInterval)
			continue
		}

		l.handle(ctx, lease)
	}
}

func (l *Loop) handle(ctx context.Context, lease *Lease) {
	log := l.log.With().
		Str("task_id", lease.TaskID).
		Str("composite", lease.Composite).
		Time("timestamp", lease.Timestamp).
		Logger()
	log.Info().Msg("Processing task")

	start := time.Now()
	err := l.processor.Process(ctx, lease.Composite, lease.Timestamp)
	taskDuration.WithLabelValues(lease.Composite).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Error().Err(err).Msg("Task failed")
		processedTotal.WithLabelValues("failed", lease.Composite).Inc()
		l.report(ctx, lease.TaskID, tasks.StatusFailed, err.Error())
		return
	}

	log.Info().Str("duration", time.Since(start).String()).Msg("Task completed")
	processedTotal.WithLabelValues("completed", lease.Composite).Inc()
	l.report(ctx, lease.TaskID, tasks.StatusCompleted, "")
}

// report pushes a terminal status, retrying a few times on transport
// errors before giving up. A lost report orphans the lease; the
// scheduler has no reclamation, so the attempts are worth it.
func (l *Loop) report(ctx context.Context, taskID string, status tasks.Status, errMsg string) {
	for attempt := 1; attempt <= 3; attempt++ {
		err := l.client.UpdateStatus(ctx, taskID, status, errMsg)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		leaseErrors.Inc()
		wait := l.retry.Duration()
		l.log.Error().Err(err).
			Str("task_id", taskID).
			Int("attempt", attempt).
			Msg("Failed to report task status")
		sleep(ctx, wait)
	}
	l.retry.Reset()
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
