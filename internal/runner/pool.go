package runner

import (
	"context"

	"fnrunner/internal/metrics"
	"fnrunner/internal/sandbox"
)

// Pool holds a fixed set of reusable runners
type Pool struct {
	idle chan *Runner
	all  []*Runner
}

func NewPool(size int, sb sandbox.Sandbox, cache *PrepCache, opts Options, mc *metrics.Collector) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{idle: make(chan *Runner, size)}
	for i := 0; i < size; i++ {
		r := New(i+1, sb, cache, opts, mc)
		p.all = append(p.all, r)
		p.idle <- r
	}
	return p
}

// Acquire blocks until a runner is idle or ctx is done
func (p *Pool) Acquire(ctx context.Context) (*Runner, error) {
	select {
	case r := <-p.idle:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a runner that finished its execution
func (p *Pool) Release(r *Runner) {
	p.idle <- r
}

func (p *Pool) Size() int {
	return len(p.all)
}

// States counts runners by state
func (p *Pool) States() map[State]int {
	states := make(map[State]int)
	for _, r := range p.all {
		states[r.State()]++
	}
	return states
}
