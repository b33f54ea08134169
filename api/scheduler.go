/*
scheduler.go - Automated generation scheduler

PURPOSE:
  Periodically catches up every owner that has active series, so rows
  appear even when nobody opens the read view.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Owners are processed one after another; the engine parallelizes
    across an owner's series
  - A failure for one owner is logged and does not stop the others
  - Deferred series (per-call cap reached) are picked up on the next tick

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewGenerationScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Generate endpoint (manual catch-up)
  - recurrence/engine.go: GenerateDue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/recurring-engine/logger"
	"github.com/warp/recurring-engine/recurrence"
)

// GenerationScheduler runs GenerateDue for every owner on a ticker.
type GenerationScheduler struct {
	Engine        *recurrence.Engine
	CheckInterval time.Duration
	Enabled       bool

	// Now is the clock used for the horizon and created_at stamps.
	Now func() time.Time

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunSummary describes one scheduler pass.
type RunSummary struct {
	Owners   int
	Created  int
	Deferred int
	Skipped  int
	Failed   int
}

// NewGenerationScheduler creates a new scheduler.
func NewGenerationScheduler(engine *recurrence.Engine, log zerolog.Logger) *GenerationScheduler {
	return &GenerationScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
		log:           logger.Component(log, "scheduler"),
	}
}

// Start begins the scheduler.
func (gs *GenerationScheduler) Start() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if !gs.Enabled || gs.CheckInterval <= 0 {
		gs.log.Info().Msg("disabled, not starting")
		return
	}
	if gs.ticker != nil {
		return
	}

	gs.ticker = time.NewTicker(gs.CheckInterval)
	gs.stop = make(chan struct{})
	gs.wg.Add(1)

	go gs.run(gs.ticker.C, gs.stop)

	gs.log.Info().Dur("interval", gs.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (gs *GenerationScheduler) Stop() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.ticker != nil {
		gs.ticker.Stop()
		close(gs.stop)
		gs.wg.Wait()
		gs.ticker = nil
		gs.log.Info().Msg("stopped")
	}
}

func (gs *GenerationScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer gs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	gs.RunNow(ctx)

	for {
		select {
		case <-tick:
			gs.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one pass over all owners with active series.
func (gs *GenerationScheduler) RunNow(ctx context.Context) RunSummary {
	var summary RunSummary
	now := gs.Now()
	horizon := recurrence.DateOf(now)

	owners, err := gs.Engine.Store.ListOwnersWithActiveSeries(ctx)
	if err != nil {
		gs.log.Error().Err(err).Msg("failed to list owners")
		return summary
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		summary.Owners++

		report, err := gs.Engine.GenerateDue(ctx, owner, horizon, now)
		summary.Created += len(report.Created())
		summary.Deferred += len(report.Deferred())
		summary.Skipped += len(report.Skipped)
		if err != nil {
			summary.Failed++
			gs.log.Error().Err(err).Str("owner", string(owner)).Msg("generation failed")
		}
	}

	if summary.Created > 0 || summary.Failed > 0 || summary.Deferred > 0 {
		gs.log.Info().
			Int("owners", summary.Owners).
			Int("created", summary.Created).
			Int("deferred", summary.Deferred).
			Int("skipped", summary.Skipped).
			Int("failed", summary.Failed).
			Str("horizon", horizon.String()).
			Msg("pass completed")
	}
	return summary
}
