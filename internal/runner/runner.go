package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/models"
	"fnrunner/internal/sandbox"
	"fnrunner/internal/streamer"
)

type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateCompleted
	StateTimedOut
	StateCrashed
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCrashed:
		return "crashed"
	case StateCleanup:
		return "cleanup"
	default:
		return "idle"
	}
}

// Job is one execution handed to a runner
type Job struct {
	Request  *models.ExecutionRequest
	Function *models.Function
	Files    []models.FunctionFile
}

type Options struct {
	DataDir        string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	KillGrace      time.Duration
	DefaultMemory  int // in MB
	// PrepTimeout bounds a dependency build, which is not part of the function timeout
	PrepTimeout time.Duration
}

func OptionsFromConfig(conf *config.Config) Options {
	return Options{
		DataDir:        conf.Runner.DataDir,
		DefaultTimeout: conf.Runner.DefaultTimeout,
		MaxTimeout:     conf.Runner.MaxTimeout,
		KillGrace:      conf.Runner.KillGrace,
		DefaultMemory:  conf.Runner.DefaultMemory,
		PrepTimeout:    conf.Runner.MaxTimeout,
	}
}

// Runner drives the lifecycle of one execution at a time on top of a sandbox
type Runner struct {
	ID int

	sandbox sandbox.Sandbox
	cache   *PrepCache
	opts    Options
	metrics *metrics.Collector
	state   atomic.Int32
}

func New(id int, sb sandbox.Sandbox, cache *PrepCache, opts Options, mc *metrics.Collector) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.PrepTimeout <= 0 {
		opts.PrepTimeout = 15 * time.Minute
	}
	return &Runner{ID: id, sandbox: sb, cache: cache, opts: opts, metrics: mc}
}

func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// Timeout is the deadline applied to a function's run
func (r *Runner) Timeout(fn *models.Function) time.Duration {
	d := time.Duration(fn.TimeoutSeconds) * time.Second
	if d <= 0 {
		d = r.opts.DefaultTimeout
	}
	if r.opts.MaxTimeout > 0 && d > r.opts.MaxTimeout {
		d = r.opts.MaxTimeout
	}
	return d
}

// execution holds what has to be released when the run is over
type execution struct {
	dir  string
	proc sandbox.Process
}

func (e *execution) release(grace time.Duration) {
	if e.proc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
		if err := e.proc.Remove(ctx); err != nil {
			log.Warn().Err(err).Msg("Could not remove sandbox")
		}
		cancel()
	}
	if e.dir != "" {
		if err := os.RemoveAll(e.dir); err != nil {
			log.Warn().Err(err).Str("dir", e.dir).Msg("Could not remove execution directory")
		}
	}
}

// Run executes the job and returns its result. Output is written to sess as it is produced; the session
// is left open for the caller to terminate. Cleanup runs on every path.
func (r *Runner) Run(ctx context.Context, job Job, sess *streamer.Session) (res *models.ExecutionResult) {
	sw := models.NewStopwatch()
	res = &models.ExecutionResult{
		RequestID: job.Request.ID,
		Attempt:   job.Request.Attempt,
		StartedAt: sw.Start(),
	}

	r.metrics.RunnerBusy(1)
	exec := &execution{}
	defer func() {
		r.setState(StateCleanup)
		exec.release(r.opts.KillGrace)
		sw.Mark("Cleaned up")
		res.FinishedAt = time.Now()
		res.Timings = sw.Timings()
		r.setState(StateIdle)
		r.metrics.RunnerBusy(-1)
	}()

	r.setState(StatePreparing)
	spec, err := r.prepare(ctx, job, sess, sw, exec)
	if err != nil {
		r.setState(StateCrashed)
		switch {
		case ctx.Err() != nil:
			res.Status, res.ExitCode = models.EsCancelled, models.ExitCodeCancelled
		case errors.Is(err, models.ErrSandboxUnavailable):
			res.Status, res.ExitCode = models.EsUnavailable, models.ExitCodeUnknown
		default:
			res.Status, res.ExitCode = models.EsPrepFailed, models.ExitCodeUnknown
		}
		res.Error = err.Error()
		return res
	}

	r.setState(StateRunning)
	r.run(ctx, job, spec, sess, sw, exec, res)
	return res
}

func (r *Runner) prepare(ctx context.Context, job Job, sess *streamer.Session, sw *models.Stopwatch, exec *execution) (sandbox.Spec, error) {
	fn := job.Function
	rt := RuntimeFor(fn)

	env, err := fn.EnvList()
	if err != nil {
		return sandbox.Spec{}, fmt.Errorf("%w: invalid environment: %v", models.ErrPreparationFailed, err)
	}

	exec.dir = filepath.Join(r.opts.DataDir, "executions", job.Request.ID.String())
	if err := writeFiles(exec.dir, job, rt); err != nil {
		return sandbox.Spec{}, fmt.Errorf("%w: %v", models.ErrPreparationFailed, err)
	}
	sw.Mark("Wrote function files")

	if puller, ok := r.sandbox.(sandbox.ImagePuller); ok {
		if err := puller.EnsureImage(ctx, fn.Image); err != nil {
			if errors.Is(err, models.ErrSandboxUnavailable) {
				return sandbox.Spec{}, err
			}
			return sandbox.Spec{}, fmt.Errorf("%w: %v", models.ErrPreparationFailed, err)
		}
		sw.Mark("Image ready")
	}

	spec := sandbox.Spec{
		Name:         fmt.Sprintf("fn-%d-%s", fn.ID, job.Request.ID.String()[:8]),
		Image:        fn.Image,
		Cmd:          rt.Command(fn),
		Env:          append(env, requestEnv(job.Request)...),
		AppDir:       exec.dir,
		MemoryMB:     r.memory(fn),
		DockerSocket: fn.DockerMount,
	}

	hash := rt.ManifestHash(job.Files)
	if hash == "" {
		return spec, nil
	}

	started := time.Now()
	var prepOutput bytes.Buffer
	depsDir, hit, err := r.cache.Ensure(ctx, fn.ID, hash, func(ctx context.Context, dir string) error {
		return r.build(ctx, fn, rt, exec.dir, dir, &prepOutput)
	})
	if err != nil {
		r.metrics.RecordPrepFailure()
		if prepOutput.Len() > 0 {
			sess.Write(prepOutput.Bytes())
		}
		if errors.Is(err, models.ErrSandboxUnavailable) {
			return sandbox.Spec{}, err
		}
		return sandbox.Spec{}, fmt.Errorf("%w: %v", models.ErrPreparationFailed, err)
	}
	r.metrics.RecordPrep(hit, time.Since(started))
	if hit {
		sw.Mark("Dependencies cached")
	} else {
		sw.Mark("Installed dependencies")
	}

	spec.DepsDir = depsDir
	return spec, nil
}

// build runs the runtime's prepare script in a sandbox with the dependency directory mounted
func (r *Runner) build(ctx context.Context, fn *models.Function, rt *Runtime, appDir, depsDir string, out *bytes.Buffer) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.PrepTimeout)
	defer cancel()

	log.Info().
		Int64("function_id", fn.ID).
		Str("runtime", rt.Name).
		Msg("Preparing dependencies")

	proc, err := r.sandbox.Start(ctx, sandbox.Spec{
		Name:     fmt.Sprintf("fn-prep-%d-%s", fn.ID, uuid.NewString()[:8]),
		Image:    fn.Image,
		Cmd:      []string{"sh", "-c", rt.Prepare},
		AppDir:   appDir,
		DepsDir:  depsDir,
		MemoryMB: r.memory(fn),
	})
	if err != nil {
		return err
	}
	defer func() { _ = proc.Remove(context.Background()) }()

	capture := newLimitedBuffer(64 * 1024)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for chunk := range proc.Output() {
			_, _ = capture.Write(chunk.Data)
		}
	}()

	code, err := proc.Wait(ctx)
	if err != nil {
		_ = proc.Kill(context.Background())
	}
	select {
	case <-drained:
	case <-time.After(r.opts.KillGrace):
	}
	out.Write(capture.Bytes())

	if err != nil {
		return fmt.Errorf("dependency build did not finish: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("dependency build exited with code %d", code)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, job Job, spec sandbox.Spec, sess *streamer.Session, sw *models.Stopwatch, exec *execution, res *models.ExecutionResult) {
	fn := job.Function
	timeout := r.Timeout(fn)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := r.sandbox.Start(runCtx, spec)
	if err != nil {
		r.setState(StateCrashed)
		res.ExitCode = models.ExitCodeUnknown
		res.Error = err.Error()
		switch {
		case errors.Is(err, models.ErrSandboxUnavailable):
			res.Status = models.EsUnavailable
		case ctx.Err() != nil:
			res.Status, res.ExitCode = models.EsCancelled, models.ExitCodeCancelled
		default:
			res.Status = models.EsCrashed
		}
		return
	}
	exec.proc = proc
	sw.Mark("Started sandbox")

	log.Debug().
		Int64("function_id", fn.ID).
		Str("request_id", job.Request.ID.String()).
		Dur("timeout", timeout).
		Msg("Running function")

	stderr := newLimitedBuffer(64 * 1024)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for chunk := range proc.Output() {
			if chunk.Stream == sandbox.Stderr {
				_, _ = stderr.Write(chunk.Data)
			}
			sess.Write(chunk.Data)
		}
	}()

	code, waitErr := proc.Wait(runCtx)
	if runCtx.Err() != nil {
		killCtx, cancelKill := context.WithTimeout(context.Background(), r.opts.KillGrace)
		if err := proc.Kill(killCtx); err != nil {
			log.Warn().Err(err).Str("request_id", job.Request.ID.String()).Msg("Could not kill sandbox")
		}
		cancelKill()
	}

	select {
	case <-drained:
	case <-time.After(r.opts.KillGrace):
		log.Warn().Str("request_id", job.Request.ID.String()).Msg("Output still open after exit")
	}
	sw.Mark("Execution")

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.setState(StateTimedOut)
		res.Status = models.EsTimedOut
		res.ExitCode = models.ExitCodeTimeOut
		res.Error = models.ErrorMarkerTimeout
		log.Info().Int64("function_id", fn.ID).Dur("timeout", timeout).Msg("Function timed out")
	case ctx.Err() != nil:
		r.setState(StateCrashed)
		res.Status = models.EsCancelled
		res.ExitCode = models.ExitCodeCancelled
		res.Error = "cancelled"
	case waitErr != nil:
		r.setState(StateCrashed)
		res.Status = models.EsCrashed
		res.ExitCode = models.ExitCodeUnknown
		res.Error = waitErr.Error()
		res.Stderr = stderr.String()
	case code != 0:
		r.setState(StateCrashed)
		res.Status = models.EsCrashed
		res.ExitCode = code
		res.Stderr = stderr.String()
	default:
		r.setState(StateCompleted)
		res.Status = models.EsCompleted
	}
}

func (r *Runner) memory(fn *models.Function) int {
	if fn.MaxRAM > 0 {
		return fn.MaxRAM
	}
	return r.opts.DefaultMemory
}

func requestEnv(req *models.ExecutionRequest) []string {
	env := []string{
		"FN_FUNCTION_ID=" + strconv.FormatInt(req.FunctionID, 10),
		"FN_EXECUTION_ID=" + req.ID.String(),
		"FN_ORIGIN=" + string(req.Origin),
		"FN_ATTEMPT=" + strconv.Itoa(req.Attempt),
	}
	if req.TriggerID.Valid {
		env = append(env, "FN_TRIGGER_ID="+strconv.FormatInt(req.TriggerID.Int64, 10))
	}
	return env
}

// writeFiles lays out code, wrapper and payload in a fresh execution directory
func writeFiles(dir string, job Job, rt *Runtime) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create execution directory: %w", err)
	}

	for _, f := range job.Files {
		if !filepath.IsLocal(f.Name) {
			return fmt.Errorf("invalid file name %q", f.Name)
		}
		p := filepath.Join(dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("could not write %s: %w", f.Name, err)
		}
	}

	name, content, ok, err := rt.Wrapper(job.Function)
	if err != nil {
		return err
	}
	if ok {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return fmt.Errorf("could not write wrapper: %w", err)
		}
	}

	return os.WriteFile(filepath.Join(dir, PayloadFile), []byte(job.Request.Payload), 0o644)
}

// limitedBuffer keeps the first max bytes written to it
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *limitedBuffer) String() string {
	return string(b.Bytes())
}
