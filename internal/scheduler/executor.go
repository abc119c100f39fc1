package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/metrics"
	"fnrunner/internal/models"
	"fnrunner/internal/recorder"
	"fnrunner/internal/runner"
	"fnrunner/internal/store"
	"fnrunner/internal/streamer"
)

// RunnerExecutor runs admitted requests on the runner pool and completes their results
type RunnerExecutor struct {
	files    store.FunctionSource
	pool     *runner.Pool
	recorder *recorder.Recorder
	metrics  *metrics.Collector
}

func NewRunnerExecutor(files store.FunctionSource, pool *runner.Pool, rec *recorder.Recorder, mc *metrics.Collector) *RunnerExecutor {
	return &RunnerExecutor{files: files, pool: pool, recorder: rec, metrics: mc}
}

func (e *RunnerExecutor) Execute(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, sess *streamer.Session) *models.ExecutionResult {
	files, err := e.files.GetFunctionFiles(ctx, fn.ID)
	if err != nil {
		return e.fail(req, sess, models.EsPrepFailed, models.ExitCodeUnknown, fmt.Errorf("could not load function files: %w", err))
	}

	if fn.IsServeOnly() {
		for _, f := range files {
			if f.Name == fn.StartupFile {
				sess.End(0)
				return e.recorder.BuildStatic(req, f.Content)
			}
		}
		return e.fail(req, sess, models.EsPrepFailed, models.ExitCodeUnknown, fmt.Errorf("startup file %s not found", fn.StartupFile))
	}

	r, err := e.pool.Acquire(ctx)
	if err != nil {
		return e.fail(req, sess, models.EsCancelled, models.ExitCodeCancelled, err)
	}
	defer e.pool.Release(r)

	log.Debug().
		Int("runner_id", r.ID).
		Int64("function_id", fn.ID).
		Str("request_id", req.ID.String()).
		Str("origin", string(req.Origin)).
		Int("attempt", req.Attempt).
		Msg("Executing function")

	res := r.Run(ctx, runner.Job{Request: req, Function: fn, Files: files}, sess)
	if res.Status == models.EsUnavailable {
		sess.Fail(fmt.Errorf("%w: %s", models.ErrSandboxUnavailable, res.Error))
	} else {
		sess.End(res.ExitCode)
	}
	e.metrics.RecordStreamDropped(sess.Dropped())

	return e.recorder.Build(res, sess)
}

func (e *RunnerExecutor) fail(req *models.ExecutionRequest, sess *streamer.Session, status models.ExecutionStatus, exitCode int, err error) *models.ExecutionResult {
	now := time.Now()
	sess.Fail(err)
	return e.recorder.Build(&models.ExecutionResult{
		RequestID:  req.ID,
		Status:     status,
		ExitCode:   exitCode,
		Error:      err.Error(),
		StartedAt:  now,
		FinishedAt: now,
		Attempt:    req.Attempt,
	}, sess)
}
