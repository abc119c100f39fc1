package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/models"
	"fnrunner/internal/store"
	"fnrunner/internal/streamer"
)

// Executor runs one admitted request to completion and terminates its session
type Executor interface {
	Execute(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, sess *streamer.Session) *models.ExecutionResult
}

// Observer is told about every terminal result, after the slot of the execution was released
type Observer interface {
	Observe(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, res *models.ExecutionResult)
}

type ObserverFunc func(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, res *models.ExecutionResult)

func (f ObserverFunc) Observe(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, res *models.ExecutionResult) {
	f(ctx, req, fn, res)
}

// Submitter is the part of the scheduler that invocation sources depend on
type Submitter interface {
	Enqueue(ctx context.Context, req *models.ExecutionRequest) error
}

// SlotLimiter bounds the executions of a function across every process running one. Acquire blocks until
// the function runs fewer than limit executions and returns the func releasing the taken slot.
type SlotLimiter interface {
	Acquire(ctx context.Context, functionID int64, limit int, holder string) (release func(), err error)
}

// ErrShuttingDown is returned for submissions after Shutdown was called
var ErrShuttingDown = errors.New("scheduler is shutting down")

type Options struct {
	DefaultConcurrency int
	MaxRunners         int
	Overflow           config.OverflowPolicy
	MaxQueueDepth      int // per function, 0 for no bound
	QueueTimeout       time.Duration
	Stream             streamer.Options
}

func OptionsFromConfig(conf *config.Config) Options {
	return Options{
		DefaultConcurrency: conf.Scheduler.DefaultConcurrency,
		MaxRunners:         conf.Scheduler.MaxRunners,
		Overflow:           conf.Scheduler.Overflow,
		MaxQueueDepth:      conf.Scheduler.MaxQueueDepth,
		QueueTimeout:       conf.Scheduler.QueueTimeout,
		Stream: streamer.Options{
			BufferSize:   conf.Streamer.BufferSize,
			Overflow:     streamer.OverflowPolicy(conf.Streamer.Overflow),
			MaxOutput:    conf.Streamer.MaxOutput,
			LinkedCancel: conf.Streamer.LinkedCancel,
		},
	}
}

// lane is the admission state of one function
type lane struct {
	id       int64
	limit    int
	inflight int
	queue    handleQueue
}

// Scheduler admits execution requests. It keeps in-flight executions of every function under the
// function's concurrency limit and all executions under the runner count, dispatching queued requests by
// priority as slots free up.
type Scheduler struct {
	functions store.FunctionSource
	executor  Executor
	opts      Options
	metrics   *metrics.Collector

	mu        sync.Mutex
	lanes     map[int64]*lane
	inflight  int
	seq       uint64
	observers []Observer
	closed    bool
	handoff   Submitter
	slots     SlotLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(functions store.FunctionSource, executor Executor, opts Options, mc *metrics.Collector) *Scheduler {
	if opts.DefaultConcurrency < 1 {
		opts.DefaultConcurrency = 1
	}
	if opts.MaxRunners < 1 {
		opts.MaxRunners = 1
	}
	if opts.Overflow == "" {
		opts.Overflow = config.OverflowQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		functions: functions,
		executor:  executor,
		opts:      opts,
		metrics:   mc,
		lanes:     make(map[int64]*lane),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddObserver registers o for every later result. Observers run in registration order.
func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// SetHandoff makes Shutdown pass trigger requests that never started to h instead of abandoning them
func (s *Scheduler) SetHandoff(h Submitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoff = h
}

// ShareLimits makes every admitted execution also take a slot from l before it runs. It is what keeps
// the concurrency limit of a function when several processes execute it.
func (s *Scheduler) ShareLimits(l SlotLimiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = l
}

func (s *Scheduler) limitFor(fn *models.Function) int {
	if fn.ConcurrencyLimit > 0 {
		return fn.ConcurrencyLimit
	}
	return s.opts.DefaultConcurrency
}

// Submit admits a request. It dispatches at once when the function and the runners have room, otherwise
// the request is queued or, for request-shaped origins under the reject policy, refused with
// models.ErrAdmissionRejected. ctx bounds the time spent queued.
func (s *Scheduler) Submit(ctx context.Context, req *models.ExecutionRequest) (*Handle, error) {
	fn := req.Function
	if fn == nil {
		var err error
		fn, err = s.functions.GetFunctionByID(ctx, req.FunctionID)
		if err != nil {
			return nil, err
		}
		req.Function = fn
	}

	h := newHandle(s, req, fn, streamer.NewSession(s.opts.Stream))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}

	l, ok := s.lanes[fn.ID]
	if !ok {
		l = &lane{id: fn.ID}
		s.lanes[fn.ID] = l
	}
	l.limit = s.limitFor(fn)

	if l.inflight >= l.limit || s.inflight >= s.opts.MaxRunners {
		if s.opts.Overflow == config.OverflowReject && req.Origin != models.OriginTrigger {
			s.dropLaneLocked(l)
			s.metrics.RecordRejected("capacity")
			return nil, fmt.Errorf("function %d: %w", fn.ID, models.ErrAdmissionRejected)
		}
		if s.opts.MaxQueueDepth > 0 && l.queue.Len() >= s.opts.MaxQueueDepth {
			s.metrics.RecordRejected("queue_full")
			return nil, fmt.Errorf("function %d queue is full: %w", fn.ID, models.ErrAdmissionRejected)
		}
	}

	s.seq++
	h.seq = s.seq
	h.enqueuedAt = time.Now()
	h.state = stateQueued
	heap.Push(&l.queue, h)
	s.dispatchLocked()

	if h.state == stateQueued {
		log.Debug().
			Int64("function_id", fn.ID).
			Str("request_id", req.ID.String()).
			Int("queued", l.queue.Len()).
			Msg("Execution queued")

		h.stopWaits = append(h.stopWaits, context.AfterFunc(ctx, func() {
			s.dequeue(h, ctx.Err())
		}))
		if s.opts.QueueTimeout > 0 {
			timer := time.AfterFunc(s.opts.QueueTimeout, func() {
				s.dequeue(h, fmt.Errorf("queued for longer than %s: %w", s.opts.QueueTimeout, models.ErrAdmissionRejected))
			})
			h.stopWaits = append(h.stopWaits, timer.Stop)
		}
	}
	s.publishLaneLocked(l)

	return h, nil
}

// Enqueue submits without waiting for the result
func (s *Scheduler) Enqueue(ctx context.Context, req *models.ExecutionRequest) error {
	_, err := s.Submit(ctx, req)
	return err
}

// dispatchLocked starts the best queued requests while runners are free. The best request is the one with
// the highest priority across every function with room, ties going to the earliest arrival.
func (s *Scheduler) dispatchLocked() {
	for s.inflight < s.opts.MaxRunners {
		var best *lane
		for _, l := range s.lanes {
			if l.inflight >= l.limit || l.queue.Len() == 0 {
				continue
			}
			if best == nil || before(l.queue[0], best.queue[0]) {
				best = l
			}
		}
		if best == nil {
			return
		}

		h := heap.Pop(&best.queue).(*Handle)
		h.state = stateRunning
		for _, stop := range h.stopWaits {
			stop()
		}
		h.stopWaits = nil

		best.inflight++
		s.inflight++
		s.publishLaneLocked(best)
		s.metrics.RecordQueueWait(time.Since(h.enqueuedAt))

		s.wg.Add(1)
		go s.execute(best, h)
	}
}

// dequeue removes a request that is still waiting. It reports whether the request was removed.
func (s *Scheduler) dequeue(h *Handle, reason error) bool {
	s.mu.Lock()
	if h.state != stateQueued {
		s.mu.Unlock()
		return false
	}
	l := s.lanes[h.fn.ID]
	heap.Remove(&l.queue, h.index)
	h.state = stateFinished
	for _, stop := range h.stopWaits {
		stop()
	}
	h.stopWaits = nil
	s.publishLaneLocked(l)
	s.dropLaneLocked(l)
	s.mu.Unlock()

	if errors.Is(reason, models.ErrAdmissionRejected) {
		s.metrics.RecordRejected("queue_timeout")
	}
	log.Debug().
		Err(reason).
		Int64("function_id", h.fn.ID).
		Str("request_id", h.req.ID.String()).
		Msg("Execution left the queue")

	h.sess.Fail(reason)
	h.finish(nil, reason)
	return true
}

func (s *Scheduler) execute(l *lane, h *Handle) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	h.setCancel(cancel)
	h.sess.SetCancel(cancel)

	res := s.run(ctx, h)

	s.mu.Lock()
	l.inflight--
	s.inflight--
	h.state = stateFinished
	s.publishLaneLocked(l)
	s.dropLaneLocked(l)
	s.dispatchLocked()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	s.metrics.RecordExecution(string(h.req.Origin), string(res.Status), res.FinishedAt.Sub(res.StartedAt))

	octx := context.WithoutCancel(s.ctx)
	for _, o := range observers {
		s.observe(octx, o, h, res)
	}
	h.finish(res, nil)
}

// run calls the executor, turning a panic into a crashed result so the slot is always released
func (s *Scheduler) run(ctx context.Context, h *Handle) (res *models.ExecutionResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int64("function_id", h.fn.ID).
				Str("request_id", h.req.ID.String()).
				Msg("Executor panicked")
			err := fmt.Errorf("%w: %v", models.ErrExecutionCrashed, r)
			h.sess.Fail(err)
			res = &models.ExecutionResult{
				RequestID:  h.req.ID,
				Status:     models.EsCrashed,
				ExitCode:   models.ExitCodeUnknown,
				Error:      err.Error(),
				StartedAt:  started,
				FinishedAt: time.Now(),
				Attempt:    h.req.Attempt,
			}
		}
	}()

	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()
	if slots != nil {
		release, err := slots.Acquire(ctx, h.fn.ID, s.limitFor(h.fn), h.req.ID.String())
		if err != nil {
			return s.slotFailure(ctx, h, started, err)
		}
		defer release()
	}

	return s.executor.Execute(ctx, h.req, h.fn, h.sess)
}

// slotFailure ends an execution that never got its shared slot
func (s *Scheduler) slotFailure(ctx context.Context, h *Handle, started time.Time, err error) *models.ExecutionResult {
	res := &models.ExecutionResult{
		RequestID:  h.req.ID,
		Status:     models.EsUnavailable,
		ExitCode:   models.ExitCodeUnknown,
		Error:      err.Error(),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Attempt:    h.req.Attempt,
	}
	if ctx.Err() != nil {
		res.Status, res.ExitCode = models.EsCancelled, models.ExitCodeCancelled
		h.sess.Fail(ctx.Err())
	} else {
		log.Error().
			Err(err).
			Int64("function_id", h.fn.ID).
			Str("request_id", h.req.ID.String()).
			Msg("Could not acquire shared execution slot")
		h.sess.Fail(err)
	}
	res.Timings = models.WithTotal(nil, res.StartedAt, res.FinishedAt)
	return res
}

func (s *Scheduler) observe(ctx context.Context, o Observer, h *Handle, res *models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("request_id", h.req.ID.String()).Msg("Observer panicked")
		}
	}()
	o.Observe(ctx, h.req, h.fn, res)
}

func (s *Scheduler) dropLaneLocked(l *lane) {
	if l.inflight == 0 && l.queue.Len() == 0 {
		delete(s.lanes, l.id)
	}
}

func (s *Scheduler) publishLaneLocked(l *lane) {
	s.metrics.SetLane(strconv.FormatInt(l.id, 10), l.inflight, l.queue.Len())
}

type Stats struct {
	Inflight int `json:"inflight"`
	Queued   int `json:"queued"`
}

// Stats reports the current totals across every function
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Inflight: s.inflight}
	for _, l := range s.lanes {
		st.Queued += l.queue.Len()
	}
	return st
}

// FunctionStats reports the counts of one function
func (s *Scheduler) FunctionStats(functionID int64) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[functionID]
	if !ok {
		return Stats{}
	}
	return Stats{Inflight: l.inflight, Queued: l.queue.Len()}
}

// Shutdown stops admission, removes queued requests and waits for running executions. When ctx expires
// first, running executions are cancelled and awaited.
//
// Queued trigger requests go to the handoff submitter when one is set. Those that cannot be handed off
// are reported to the observers as cancelled, so that every fired trigger leaves a result.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var queued []*Handle
	for _, l := range s.lanes {
		queued = append(queued, l.queue...)
	}
	handoff := s.handoff
	s.mu.Unlock()

	for _, h := range queued {
		if s.dequeue(h, ErrShuttingDown) && h.req.Origin == models.OriginTrigger {
			s.abandon(ctx, handoff, h)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// abandon hands a trigger request that never started to handoff, or reports it as cancelled
func (s *Scheduler) abandon(ctx context.Context, handoff Submitter, h *Handle) {
	logger := log.With().
		Int64("function_id", h.fn.ID).
		Str("request_id", h.req.ID.String()).
		Int("attempt", h.req.Attempt).
		Logger()

	if handoff != nil {
		err := handoff.Enqueue(ctx, h.req)
		if err == nil {
			logger.Info().Msg("Handed off queued trigger execution")
			return
		}
		logger.Error().Err(err).Msg("Could not hand off queued trigger execution")
	}

	now := time.Now()
	res := &models.ExecutionResult{
		RequestID:  h.req.ID,
		Status:     models.EsCancelled,
		ExitCode:   models.ExitCodeCancelled,
		Error:      ErrShuttingDown.Error(),
		StartedAt:  now,
		FinishedAt: now,
		Attempt:    h.req.Attempt,
	}
	res.Timings = models.WithTotal(nil, res.StartedAt, res.FinishedAt)

	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	octx := context.WithoutCancel(ctx)
	for _, o := range observers {
		s.observe(octx, o, h, res)
	}
}
