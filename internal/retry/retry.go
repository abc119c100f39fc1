package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/models"
	"fnrunner/internal/scheduler"
)

// Policy re-submits failed trigger executions. It observes the scheduler and schedules the next attempt
// after a linear backoff.
type Policy struct {
	submitter  scheduler.Submitter
	backoff    time.Duration
	maxBackoff time.Duration
	metrics    *metrics.Collector
	after      func(time.Duration, func()) (stop func() bool)

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingRetry
	held    []*models.ExecutionRequest
	stopped bool
}

// pendingRetry is an attempt waiting for its backoff. Whoever removes it from Policy.pending owns it.
type pendingRetry struct {
	req  *models.ExecutionRequest
	stop func() bool
}

func New(submitter scheduler.Submitter, backoff, maxBackoff time.Duration, mc *metrics.Collector) *Policy {
	if maxBackoff > 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}
	return &Policy{
		submitter:  submitter,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		metrics:    mc,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		pending: make(map[uuid.UUID]*pendingRetry),
	}
}

func FromConfig(submitter scheduler.Submitter, conf *config.Config, mc *metrics.Collector) *Policy {
	return New(submitter, conf.Retry.Backoff, conf.Retry.MaxBackoff, mc)
}

// ShouldRetry is true when another attempt of req is allowed after res
func ShouldRetry(req *models.ExecutionRequest, fn *models.Function, res *models.ExecutionResult) bool {
	return req.Origin == models.OriginTrigger &&
		fn.RetryOnFailure &&
		res.Status.Failed() &&
		req.Attempt <= fn.MaxRetries
}

// Delay is the wait before the attempt that follows attempt
func (p *Policy) Delay(attempt int) time.Duration {
	d := time.Duration(attempt) * p.backoff
	if p.maxBackoff > 0 && d > p.maxBackoff {
		return p.maxBackoff
	}
	return d
}

func (p *Policy) Observe(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, res *models.ExecutionResult) {
	if !ShouldRetry(req, fn, res) {
		if req.Origin == models.OriginTrigger && res.Status.Failed() && fn.RetryOnFailure {
			log.Warn().
				Err(res.Err()).
				Int64("function_id", fn.ID).
				Int64("trigger_id", req.TriggerID.Int64).
				Int("attempt", req.Attempt).
				Msg("Retries exhausted")
		}
		return
	}

	next := req.NextAttempt()
	delay := p.Delay(req.Attempt)

	log.Info().
		Int64("function_id", fn.ID).
		Int64("trigger_id", req.TriggerID.Int64).
		Err(res.Err()).
		Int("attempt", next.Attempt).
		Dur("delay", delay).
		Msg("Scheduling retry")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.held = append(p.held, next)
		return
	}
	entry := &pendingRetry{req: next}
	p.pending[next.ID] = entry
	entry.stop = p.after(delay, func() { p.fire(ctx, fn, next) })
}

func (p *Policy) fire(ctx context.Context, fn *models.Function, next *models.ExecutionRequest) {
	p.mu.Lock()
	if _, ok := p.pending[next.ID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, next.ID)
	p.mu.Unlock()

	if err := p.submitter.Enqueue(ctx, next); err != nil {
		if errors.Is(err, scheduler.ErrShuttingDown) {
			p.hold(next)
			return
		}
		log.Error().
			Err(err).
			Int64("function_id", fn.ID).
			Int("attempt", next.Attempt).
			Msg("Could not submit retry")
		return
	}
	p.metrics.RecordRetry()
}

func (p *Policy) hold(req *models.ExecutionRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = append(p.held, req)
}

// Stop cancels the retries still waiting for their backoff. Their requests, and those of retries decided
// after Stop, are kept for Held.
func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	for id, entry := range p.pending {
		entry.stop()
		p.held = append(p.held, entry.req)
		delete(p.pending, id)
	}
}

// Pending is the number of retries waiting for their backoff
func (p *Policy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Held returns and forgets the retries that were not submitted because of Stop
func (p *Policy) Held() []*models.ExecutionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.held
	p.held = nil
	return held
}
