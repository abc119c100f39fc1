package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/models"
)

// LocalSandbox runs the command as a plain host process in the app directory, in a process group of its
// own. It gives no isolation and is meant for development and tests.
type LocalSandbox struct {
	// WaitDelay bounds how long output is drained after the process was killed
	WaitDelay time.Duration
}

func NewLocalSandbox() *LocalSandbox {
	return &LocalSandbox{WaitDelay: 500 * time.Millisecond}
}

type localProcess struct {
	cmd      *exec.Cmd
	gate     *outputGate
	exited   chan struct{}
	exitCode int
	waitErr  error
	once     sync.Once
}

func (s *LocalSandbox) Start(_ context.Context, spec Spec) (Process, error) {
	if len(spec.Cmd) == 0 {
		return nil, errors.New("empty command")
	}
	if _, err := exec.LookPath(spec.Cmd[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSandboxUnavailable, err)
	}

	log.Debug().
		Str("type", "local").
		Str("name", spec.Name).
		Strs("command", spec.Cmd).
		Msg("Starting process")

	// the process is killed explicitly, so it does not inherit the caller's context
	cmd := exec.Command(spec.Cmd[0], spec.Cmd[1:]...)
	cmd.Dir = spec.AppDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, EnvAppDir+"="+spec.AppDir)
	if spec.DepsDir != "" {
		cmd.Env = append(cmd.Env, EnvDepsDir+"="+spec.DepsDir)
	}
	cmd.WaitDelay = s.WaitDelay
	setProcessGroup(cmd)

	p := &localProcess{
		cmd:    cmd,
		gate:   newOutputGate(64),
		exited: make(chan struct{}),
	}
	cmd.Stdout = &chunkWriter{stream: Stdout, gate: p.gate}
	cmd.Stderr = &chunkWriter{stream: Stderr, gate: p.gate}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start process: %w", err)
	}

	go func() {
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			exitCode = models.ExitCodeUnknown
			var exitError *exec.ExitError
			if errors.As(err, &exitError) && exitError.ExitCode() >= 0 {
				exitCode = exitError.ExitCode()
				err = nil
			}
		}
		p.exitCode, p.waitErr = exitCode, err
		p.gate.close()
		close(p.exited)
	}()

	return p, nil
}

func (p *localProcess) Output() <-chan Chunk {
	return p.gate.ch
}

func (p *localProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return models.ExitCodeUnknown, ctx.Err()
	}
}

// Kill stops the whole process group. Background children are killed even after the main process exited.
func (p *localProcess) Kill(_ context.Context) error {
	return killProcessGroup(p.cmd.Process)
}

func (p *localProcess) Remove(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = p.Kill(ctx)
		p.gate.stop()
	})
	return err
}
