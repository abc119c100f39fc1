package worker

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/recorder"
	"fnrunner/internal/retry"
	"fnrunner/internal/runner"
	"fnrunner/internal/sandbox"
	"fnrunner/internal/scheduler"
	"fnrunner/internal/store"
)

// Engine is the local execution stack: scheduler, runner pool, result recorder and retry policy
type Engine struct {
	Scheduler *scheduler.Scheduler
	Recorder  *recorder.Recorder
	Retry     *retry.Policy
	Pool      *runner.Pool

	sandbox sandbox.Sandbox
	handoff scheduler.Submitter
}

// NewSandbox creates the sandbox selected by runner.sandbox
func NewSandbox(conf *config.Config) (sandbox.Sandbox, error) {
	if conf.Runner.Sandbox == "local" {
		log.Warn().Msg("Functions run as local processes without isolation")
		return sandbox.NewLocalSandbox(), nil
	}
	return sandbox.NewDockerSandbox()
}

// NewEngine wires the execution stack from conf. Results are recorded before retries are considered.
func NewEngine(conf *config.Config, st store.Store, mc *metrics.Collector) (*Engine, error) {
	sb, err := NewSandbox(conf)
	if err != nil {
		return nil, err
	}
	return newEngine(conf, st, sb, mc), nil
}

func newEngine(conf *config.Config, st store.Store, sb sandbox.Sandbox, mc *metrics.Collector) *Engine {
	pool := runner.NewPool(conf.Scheduler.MaxRunners, sb, runner.NewPrepCache(conf.Runner.DataDir), runner.OptionsFromConfig(conf), mc)
	rec := recorder.New(st)
	sch := scheduler.New(st, scheduler.NewRunnerExecutor(st, pool, rec, mc), scheduler.OptionsFromConfig(conf), mc)
	policy := retry.FromConfig(sch, conf, mc)

	sch.AddObserver(rec)
	sch.AddObserver(policy)

	return &Engine{
		Scheduler: sch,
		Recorder:  rec,
		Retry:     policy,
		Pool:      pool,
		sandbox:   sb,
	}
}

// ShareLimits counts the concurrency limits of this engine together with every other process using l
func (e *Engine) ShareLimits(l scheduler.SlotLimiter) {
	e.Scheduler.ShareLimits(l)
}

// HandOffTo makes Shutdown pass trigger executions that never started, queued requests and pending
// retries alike, to sub. Workers hand them back to the trigger queue.
func (e *Engine) HandOffTo(sub scheduler.Submitter) {
	e.handoff = sub
	e.Scheduler.SetHandoff(sub)
}

// Shutdown drains the scheduler and releases the sandbox client. Retries still waiting for their backoff
// are handed off, or dropped with a warning when there is nowhere to hand them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Retry.Stop()
	err := e.Scheduler.Shutdown(ctx)

	for _, req := range e.Retry.Held() {
		logger := log.With().
			Int64("function_id", req.FunctionID).
			Int64("trigger_id", req.TriggerID.Int64).
			Int("attempt", req.Attempt).
			Logger()

		if e.handoff == nil {
			logger.Warn().Msg("Dropped pending retry on shutdown")
			continue
		}
		if herr := e.handoff.Enqueue(context.WithoutCancel(ctx), req); herr != nil {
			logger.Error().Err(herr).Msg("Could not hand off pending retry")
			continue
		}
		logger.Info().Msg("Handed off pending retry")
	}

	if c, ok := e.sandbox.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
