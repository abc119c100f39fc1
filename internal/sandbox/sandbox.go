package sandbox

import (
	"context"
	"sync"
)

type StreamKind int

const (
	Stdout StreamKind = iota + 1
	Stderr
)

// Chunk is a piece of raw output. Chunks of one stream arrive in emission order.
type Chunk struct {
	Stream StreamKind
	Data   []byte
}

// Spec describes one isolated execution
type Spec struct {
	Name     string   // unique per execution
	Image    string   // ignored by the local sandbox
	Cmd      []string // run inside AppDir
	Env      []string // KEY=VALUE
	AppDir   string   // host directory holding code and payload, mounted at /app
	DepsDir  string   // optional host directory of prepared dependencies, mounted at /deps
	MemoryMB int
	// DockerSocket mounts the host docker socket into the sandbox
	DockerSocket bool
}

// Process is a started execution
type Process interface {
	// Output is closed once both streams are drained or the process is removed
	Output() <-chan Chunk
	// Wait blocks until the process exits and returns its exit code
	Wait(ctx context.Context) (int, error)
	Kill(ctx context.Context) error
	// Remove releases every resource held by the process. It is safe to call more than once.
	Remove(ctx context.Context) error
}

// Sandbox starts isolated executions. Start returns an error wrapping models.ErrSandboxUnavailable
// when the execution primitive itself is down.
type Sandbox interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ImagePuller is implemented by sandboxes that fetch the image of an execution before starting it.
// Pulling ahead keeps a slow first pull out of the execution's timeout.
type ImagePuller interface {
	EnsureImage(ctx context.Context, image string) error
}

const (
	AppMount  = "/app"
	DepsMount = "/deps"

	EnvAppDir  = "FN_APP_DIR"
	EnvDepsDir = "FN_DEPS_DIR"
)

// chunkWriter turns writes on one stream into chunks. Writes after close are discarded.
type chunkWriter struct {
	stream StreamKind
	gate   *outputGate
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	w.gate.send(Chunk{Stream: w.stream, Data: data})
	return len(p), nil
}

// outputGate guards the output channel so that it is closed once and never written after
type outputGate struct {
	mu      sync.RWMutex
	ch      chan Chunk
	closed  bool
	abandon chan struct{}
	once    sync.Once
}

func newOutputGate(size int) *outputGate {
	return &outputGate{ch: make(chan Chunk, size), abandon: make(chan struct{})}
}

func (g *outputGate) send(c Chunk) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}
	select {
	case g.ch <- c:
	case <-g.abandon:
	}
}

// stop unblocks pending sends. Used when the reader has gone away.
func (g *outputGate) stop() {
	g.once.Do(func() { close(g.abandon) })
}

func (g *outputGate) close() {
	g.stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.ch)
	}
}
