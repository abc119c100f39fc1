package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/models"
	"fnrunner/internal/scheduler"
	"fnrunner/internal/store"
)

type Options struct {
	TickInterval time.Duration
	BatchSize    int
	Now          func() time.Time
}

func OptionsFromConfig(conf *config.Config) Options {
	return Options{
		TickInterval: conf.Clock.TickInterval,
		BatchSize:    conf.Clock.BatchSize,
	}
}

// Clock fires due triggers. Every tick it claims each due trigger, advances its next run and submits an
// execution request for it.
type Clock struct {
	triggers  store.TriggerStore
	submitter scheduler.Submitter
	schedule  *CronSchedule
	opts      Options
	metrics   *metrics.Collector

	mu         sync.Mutex
	isRunning  bool // checks if start has been called
	ticking    bool
	ticker     *time.Ticker
	context    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func New(triggers store.TriggerStore, submitter scheduler.Submitter, opts Options, mc *metrics.Collector) *Clock {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Clock{
		triggers:  triggers,
		submitter: submitter,
		schedule:  NewCronSchedule(),
		opts:      opts,
		metrics:   mc,
	}
}

// Start begins ticking until Stop is called or ctx is done
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isRunning {
		return
	}

	c.isRunning = true
	c.context, c.cancelFunc = context.WithCancel(ctx)
	c.ticker = time.NewTicker(c.opts.TickInterval)

	log.Info().Dur("interval", c.opts.TickInterval).Msg("Trigger clock started")

	c.wg.Add(1)
	go c.loop(c.context, c.ticker)
}

// Stop halts the clock and waits for a tick in progress
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.cancelFunc()
	c.ticker.Stop()
	c.isRunning = false
	c.mu.Unlock()

	c.wg.Wait()
	log.Info().Msg("Trigger clock stopped")
}

func (c *Clock) loop(ctx context.Context, ticker *time.Ticker) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.ticking {
				// the previous evaluation is still running
				c.mu.Unlock()
				continue
			}
			c.ticking = true
			c.mu.Unlock()

			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer func() {
					c.mu.Lock()
					c.ticking = false
					c.mu.Unlock()
				}()
				if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Failed to evaluate triggers")
				}
			}()
		}
	}
}

// Tick evaluates every due trigger once
func (c *Clock) Tick(ctx context.Context) error {
	now := c.opts.Now().UTC()

	triggers, err := c.triggers.ListDueTriggers(ctx, now, c.opts.BatchSize)
	if err != nil {
		return err
	}

	for i := range triggers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tr := &triggers[i]

		next, err := c.schedule.Next(tr.Cron, now)
		if err != nil {
			log.Error().
				Err(err).
				Int64("trigger_id", tr.ID).
				Msg("Skipping trigger")
			continue
		}

		if !tr.NextRun.Valid {
			// never scheduled, only set the first run
			if err := c.triggers.InitTriggerNextRun(ctx, tr.ID, next); err != nil {
				log.Error().Err(err).Int64("trigger_id", tr.ID).Msg("Could not initialise trigger")
			}
			continue
		}

		c.fire(ctx, tr, now, next)
	}

	return nil
}

func (c *Clock) fire(ctx context.Context, tr *models.Trigger, now, next time.Time) {
	err := c.triggers.ClaimTrigger(ctx, tr.ID, tr.NextRun.Time, now, next, uuid.New())
	if errors.Is(err, models.ErrTriggerClaimConflict) {
		c.metrics.RecordClaimConflict()
		log.Debug().Int64("trigger_id", tr.ID).Msg("Trigger already claimed")
		return
	} else if err != nil {
		log.Error().Err(err).Int64("trigger_id", tr.ID).Msg("Could not claim trigger")
		return
	}

	req := models.NewExecutionRequest(tr.FunctionID, models.OriginTrigger, tr.Data.String)
	req.TriggerID = null.IntFrom(tr.ID)
	req.RequestedAt = now

	// queued trigger executions outlive the tick that fired them
	if err := c.submitter.Enqueue(context.WithoutCancel(ctx), req); err != nil {
		log.Error().
			Err(err).
			Int64("trigger_id", tr.ID).
			Int64("function_id", tr.FunctionID).
			Msg("Could not submit trigger execution")
	} else {
		c.metrics.RecordTriggerFired()
		log.Info().
			Int64("trigger_id", tr.ID).
			Int64("function_id", tr.FunctionID).
			Str("request_id", req.ID.String()).
			Time("next_run", next).
			Msg("Trigger fired")
	}
}
