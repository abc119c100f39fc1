package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fnrunner/internal/models"
	"fnrunner/internal/streamer"
)

type handleState int

const (
	stateQueued handleState = iota
	stateRunning
	stateFinished
)

// Handle follows one admitted request until its terminal result
type Handle struct {
	s    *Scheduler
	req  *models.ExecutionRequest
	fn   *models.Function
	sess *streamer.Session

	// guarded by Scheduler.mu
	state      handleState
	seq        uint64
	index      int
	enqueuedAt time.Time
	stopWaits  []func() bool

	mu              sync.Mutex
	cancel          context.CancelFunc
	cancelRequested bool

	done   chan struct{}
	result *models.ExecutionResult
	err    error
}

func newHandle(s *Scheduler, req *models.ExecutionRequest, fn *models.Function, sess *streamer.Session) *Handle {
	return &Handle{
		s:     s,
		req:   req,
		fn:    fn,
		sess:  sess,
		index: -1,
		done:  make(chan struct{}),
	}
}

func (h *Handle) ID() uuid.UUID {
	return h.req.ID
}

func (h *Handle) Request() *models.ExecutionRequest {
	return h.req
}

func (h *Handle) Function() *models.Function {
	return h.fn
}

// Subscribe attaches a live reader of the execution's output
func (h *Handle) Subscribe() *streamer.Subscription {
	return h.sess.Subscribe()
}

// Session exposes the captured output
func (h *Handle) Session() *streamer.Session {
	return h.sess
}

// Done is closed once the request produced its result or left the queue
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the result is available. The error is set when the request never ran, for example
// when its queue wait expired.
func (h *Handle) Wait(ctx context.Context) (*models.ExecutionResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel takes a queued request out of the queue with context.Canceled. A running execution is
// cancelled and still produces a result.
func (h *Handle) Cancel() {
	if h.s.dequeue(h, context.Canceled) {
		return
	}

	h.mu.Lock()
	h.cancelRequested = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (h *Handle) setCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	requested := h.cancelRequested
	h.mu.Unlock()

	if requested {
		cancel()
	}
}

func (h *Handle) finish(res *models.ExecutionResult, err error) {
	h.result, h.err = res, err
	close(h.done)
}

// handleQueue orders queued handles by descending priority, then arrival
type handleQueue []*Handle

func (q handleQueue) Len() int { return len(q) }

func (q handleQueue) Less(i, j int) bool {
	return before(q[i], q[j])
}

func (q handleQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *handleQueue) Push(x any) {
	h := x.(*Handle)
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *handleQueue) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}

func before(a, b *Handle) bool {
	if a.fn.Priority != b.fn.Priority {
		return a.fn.Priority > b.fn.Priority
	}
	return a.seq < b.seq
}
