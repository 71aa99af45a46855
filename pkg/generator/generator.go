// Package generator drives periodic task creation: it walks the
// cadence-aligned slot timeline, waits for upstream data to land, and
// creates one normal-priority task per composite once a slot is ready.
// Urgency adjustment is left entirely to the scheduler's promotion
// sweep.
package generator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tafor/himawari-scheduler/pkg/logger"
	"github.com/tafor/himawari-scheduler/pkg/tasks"
)

// TaskCreator is the slice of the task manager the generator needs.
type TaskCreator interface {
	Create(ctx context.Context, composite string, ts time.Time, priority tasks.Priority) (*tasks.Task, error)
}

// Availability reports how many upstream source files exist for a slot.
type Availability interface {
	CountReady(ctx context.Context, ts time.Time) (int, error)
}

// Config holds the generator timing parameters. Zero values fall back to
// the Himawari defaults: 10-minute cadence, 20-minute lag behind
// wall-clock, 160 source files per full-disk slot, one check per minute.
type Config struct {
	Composites []string
	Cadence    time.Duration
	Lag        time.Duration
	Threshold  int
	Tick       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cadence <= 0 {
		c.Cadence = 10 * time.Minute
	}
	if c.Lag <= 0 {
		c.Lag = 20 * time.Minute
	}
	if c.Threshold <= 0 {
		c.Threshold = 160
	}
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	return c
}

// Generator owns the current target slot and advances it as data
// becomes available. Run it in a single process; the manager's dedup
// makes duplicate creates harmless if two ever race.
type Generator struct {
	creator TaskCreator
	avail   Availability
	cfg     Config
	cron    *cron.Cron
	log     zerolog.Logger

	// now is swapped in tests.
	now func() time.Time

	mu     sync.Mutex
	target time.Time
}

// New builds a generator; call Start to begin ticking.
func New(creator TaskCreator, avail Availability, cfg Config) *Generator {
	return &Generator{
		creator: creator,
		avail:   avail,
		cfg:     cfg.withDefaults(),
		cron:    cron.New(),
		log:     logger.Log.With().Str("component", "generator").Logger(),
		now:     time.Now,
	}
}

// Start schedules the periodic step on the cron runner.
func (g *Generator) Start() error {
	spec := fmt.Sprintf("@every %s", g.cfg.Tick)
	if _, err := g.cron.AddFunc(spec, func() {
		g.Step(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule generator tick: %w", err)
	}
	g.cron.Start()
	g.log.Info().
		Str("tick", g.cfg.Tick.String()).
		Str("cadence", g.cfg.Cadence.String()).
		Int("threshold", g.cfg.Threshold).
		Msg("Task generator started")
	return nil
}

// Stop halts the cron runner. A step already in flight finishes.
func (g *Generator) Stop() {
	g.cron.Stop()
}

// Step runs one generator iteration. Errors never propagate: an
// availability check or create failure is logged and retried on the next
// tick, with the target slot unchanged where that matters.
func (g *Generator) Step(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	latest := tasks.LatestSlot(g.now(), g.cfg.Cadence, g.cfg.Lag)
	if g.target.IsZero() {
		g.target = latest
		g.log.Info().Time("slot", g.target).Msg("Starting from latest available slot")
	}
	if g.target.After(latest) {
		// Upstream has not reached this slot yet.
		return
	}

	count, err := g.avail.CountReady(ctx, g.target)
	if err != nil {
		g.log.Error().Err(err).Time("slot", g.target).Msg("Availability check failed")
		return
	}
	if count < g.cfg.Threshold {
		g.log.Info().
			Time("slot", g.target).
			Int("count", count).
			Int("threshold", g.cfg.Threshold).
			Msg("Slot data not complete, waiting")
		return
	}

	for _, composite := range g.cfg.Composites {
		task, err := g.creator.Create(ctx, composite, g.target, tasks.PriorityNormal)
		if err != nil {
			g.log.Error().Err(err).
				Str("composite", composite).
				Time("slot", g.target).
				Msg("Failed to create task")
			continue
		}
		g.log.Info().
			Str("task_id", task.ID).
			Str("composite", composite).
			Time("slot", g.target).
			Msg("Created task")
	}

	g.target = g.target.Add(g.cfg.Cadence)
}
