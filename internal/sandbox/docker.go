package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/models"
)

const dockerSocket = "/var/run/docker.sock"

// DockerSandbox runs each execution in a fresh container
type DockerSandbox struct {
	client *client.Client
	pulls  sync.Map // image -> *sync.Mutex
}

var _ ImagePuller = (*DockerSandbox)(nil)

// NewDockerSandbox connects to the docker daemon from the environment
func NewDockerSandbox() (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err = cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not accessible: %v", models.ErrSandboxUnavailable, err)
	}

	return &DockerSandbox{client: cli}, nil
}

func (s *DockerSandbox) Close() error {
	return s.client.Close()
}

type dockerProcess struct {
	client      *client.Client
	containerID string
	gate        *outputGate
	stopLogs    context.CancelFunc
	once        sync.Once
}

func (s *DockerSandbox) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := s.ensureImage(ctx, spec.Image); err != nil {
		return nil, s.wrap(err, "failed to ensure image")
	}

	env := append([]string{EnvAppDir + "=" + AppMount}, spec.Env...)
	binds := []string{spec.AppDir + ":" + AppMount}
	if spec.DepsDir != "" {
		binds = append(binds, spec.DepsDir+":"+DepsMount)
		env = append(env, EnvDepsDir+"="+DepsMount)
	}
	if spec.DockerSocket {
		binds = append(binds, dockerSocket+":"+dockerSocket)
	}

	pidsLimit := int64(256)
	resp, err := s.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          env,
			WorkingDir:   AppMount,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          false,
			Labels:       map[string]string{"fnrunner.execution": spec.Name},
		},
		&container.HostConfig{
			Binds:      binds,
			AutoRemove: false,
			Resources: container.Resources{
				Memory:    int64(spec.MemoryMB) * 1024 * 1024,
				PidsLimit: &pidsLimit,
			},
		},
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return nil, s.wrap(err, "failed to create container")
	}

	logCtx, stopLogs := context.WithCancel(context.WithoutCancel(ctx))
	p := &dockerProcess{
		client:      s.client,
		containerID: resp.ID,
		gate:        newOutputGate(64),
		stopLogs:    stopLogs,
	}

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.Remove(context.Background())
		return nil, s.wrap(err, "failed to start container")
	}

	reader, err := s.client.ContainerLogs(logCtx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		_ = p.Remove(context.Background())
		return nil, s.wrap(err, "failed to attach to container logs")
	}

	go func() {
		defer p.gate.close()
		defer func() { _ = reader.Close() }()
		// docker multiplexes both streams on one connection
		stdout := &chunkWriter{stream: Stdout, gate: p.gate}
		stderr := &chunkWriter{stream: Stderr, gate: p.gate}
		if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && logCtx.Err() == nil {
			log.Warn().Err(err).Str("container_id", resp.ID).Msg("Container log stream ended with error")
		}
	}()

	return p, nil
}

// EnsureImage pulls ref unless it is already present
func (s *DockerSandbox) EnsureImage(ctx context.Context, ref string) error {
	if err := s.ensureImage(ctx, ref); err != nil {
		return s.wrap(err, "failed to ensure image")
	}
	return nil
}

func (s *DockerSandbox) ensureImage(ctx context.Context, ref string) error {
	mu, _ := s.pulls.LoadOrStore(ref, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if _, err := s.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	log.Info().Str("image", ref).Msg("Pulling image")
	reader, err := s.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer func() { _ = reader.Close() }()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *DockerSandbox) wrap(err error, msg string) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %s: %v", models.ErrSandboxUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (p *dockerProcess) Output() <-chan Chunk {
	return p.gate.ch
}

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := p.client.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return models.ExitCodeUnknown, fmt.Errorf("error waiting for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return models.ExitCodeUnknown, ctx.Err()
	}
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	err := p.client.ContainerKill(ctx, p.containerID, "SIGKILL")
	if err != nil && !isGone(err) {
		return err
	}
	return nil
}

func (p *dockerProcess) Remove(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		p.stopLogs()
		p.gate.stop()
		err = p.client.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true})
		if err != nil && isGone(err) {
			err = nil
		}
	})
	return err
}

// isGone is true for errors about a container that no longer runs or exists
func isGone(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsConflict(err)
}
