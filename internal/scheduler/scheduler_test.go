package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fnrunner/internal/config"
	"fnrunner/internal/models"
	"fnrunner/internal/scheduler"
	"fnrunner/internal/store"
	"fnrunner/internal/streamer"
)

// fakeExecutor records concurrency and start order. Executions wait for gate when it is set.
type fakeExecutor struct {
	mu      sync.Mutex
	running map[int64]int
	maxSeen map[int64]int
	order   []string
	gate    chan struct{}
	delay   time.Duration
	panicOn int64
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{running: make(map[int64]int), maxSeen: make(map[int64]int)}
}

func (f *fakeExecutor) Execute(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, sess *streamer.Session) *models.ExecutionResult {
	f.mu.Lock()
	f.running[fn.ID]++
	if f.running[fn.ID] > f.maxSeen[fn.ID] {
		f.maxSeen[fn.ID] = f.running[fn.ID]
	}
	f.order = append(f.order, req.Payload)
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running[fn.ID]--
		f.mu.Unlock()
	}()

	if fn.ID == f.panicOn {
		panic("executor exploded")
	}

	res := &models.ExecutionResult{RequestID: req.ID, StartedAt: time.Now(), Attempt: req.Attempt}
	var wait <-chan time.Time
	if f.delay > 0 {
		wait = time.After(f.delay)
	}
	if gate == nil && wait == nil {
		closed := make(chan time.Time)
		close(closed)
		wait = closed
	}

	select {
	case <-gate:
	case <-wait:
	case <-ctx.Done():
		res.Status, res.ExitCode = models.EsCancelled, models.ExitCodeCancelled
		sess.End(res.ExitCode)
		res.FinishedAt = time.Now()
		return res
	}

	sess.Write([]byte("ran " + req.Payload + "\n"))
	sess.End(0)
	res.Status = models.EsCompleted
	res.FinishedAt = time.Now()
	return res
}

func (f *fakeExecutor) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newScheduler(t *testing.T, exec scheduler.Executor, opts scheduler.Options, functions ...models.Function) *scheduler.Scheduler {
	t.Helper()
	st := store.NewMemoryStore()
	for _, fn := range functions {
		st.PutFunction(fn)
	}
	s := scheduler.New(st, exec, opts, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitAll(t *testing.T, handles []*scheduler.Handle) []*models.ExecutionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make([]*models.ExecutionResult, 0, len(handles))
	for _, h := range handles {
		res, err := h.Wait(ctx)
		require.NoError(t, err)
		results = append(results, res)
	}
	return results
}

func TestScheduler_ConcurrencyLimitUnderBurst(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = 10 * time.Millisecond
	s := newScheduler(t, exec, scheduler.Options{MaxRunners: 8},
		models.Function{ID: 1, ConcurrencyLimit: 2},
		models.Function{ID: 2, ConcurrencyLimit: 3},
		models.Function{ID: 3},
	)

	var mu sync.Mutex
	var handles []*scheduler.Handle
	var wg sync.WaitGroup
	for i := 0; i < 90; i++ {
		wg.Add(1)
		go func(fnID int64) {
			defer wg.Done()
			h, err := s.Submit(context.Background(), models.NewExecutionRequest(fnID, models.OriginHTTP, ""))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}(int64(i%3 + 1))
	}
	wg.Wait()

	for _, res := range waitAll(t, handles) {
		assert.Equal(t, models.EsCompleted, res.Status)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.LessOrEqual(t, exec.maxSeen[1], 2)
	assert.LessOrEqual(t, exec.maxSeen[2], 3)
	assert.Equal(t, 1, exec.maxSeen[3], "default concurrency is used when the function sets none")
	assert.Equal(t, scheduler.Stats{}, s.Stats())
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	exec := newFakeExecutor()
	exec.gate = make(chan struct{})
	s := newScheduler(t, exec, scheduler.Options{MaxRunners: 1, DefaultConcurrency: 10},
		models.Function{ID: 1, Priority: 0},
		models.Function{ID: 2, Priority: 5},
		models.Function{ID: 3, Priority: 0},
	)

	submit := func(fnID int64, label string) *scheduler.Handle {
		h, err := s.Submit(context.Background(), models.NewExecutionRequest(fnID, models.OriginTrigger, label))
		require.NoError(t, err)
		return h
	}

	handles := []*scheduler.Handle{
		submit(1, "blocker"),
		submit(1, "low-first"),
		submit(3, "low-second"),
		submit(2, "high"),
		submit(2, "high-later"),
	}
	assert.Equal(t, scheduler.Stats{Inflight: 1, Queued: 4}, s.Stats())

	close(exec.gate)
	waitAll(t, handles)

	assert.Equal(t, []string{"blocker", "high", "high-later", "low-first", "low-second"}, exec.Order())
}

func TestScheduler_Overflow(t *testing.T) {
	t.Run("reject refuses request origins only", func(t *testing.T) {
		exec := newFakeExecutor()
		exec.gate = make(chan struct{})
		s := newScheduler(t, exec, scheduler.Options{MaxRunners: 4, Overflow: config.OverflowReject},
			models.Function{ID: 1, ConcurrencyLimit: 1},
		)

		running, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, "a"))
		require.NoError(t, err)

		_, err = s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, "b"))
		assert.ErrorIs(t, err, models.ErrAdmissionRejected)
		_, err = s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginCLI, "c"))
		assert.ErrorIs(t, err, models.ErrAdmissionRejected)

		queued, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginTrigger, "d"))
		require.NoError(t, err)
		assert.Equal(t, scheduler.Stats{Inflight: 1, Queued: 1}, s.FunctionStats(1))

		close(exec.gate)
		waitAll(t, []*scheduler.Handle{running, queued})
		assert.Equal(t, []string{"a", "d"}, exec.Order())
	})

	t.Run("queue depth is bounded", func(t *testing.T) {
		exec := newFakeExecutor()
		exec.gate = make(chan struct{})
		defer close(exec.gate)
		s := newScheduler(t, exec, scheduler.Options{MaxRunners: 4, MaxQueueDepth: 1},
			models.Function{ID: 1, ConcurrencyLimit: 1},
		)

		require.NoError(t, s.Enqueue(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, "")))
		require.NoError(t, s.Enqueue(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, "")))
		err := s.Enqueue(context.Background(), models.NewExecutionRequest(1, models.OriginTrigger, ""))
		assert.ErrorIs(t, err, models.ErrAdmissionRejected)
	})

	t.Run("queue wait is bounded", func(t *testing.T) {
		exec := newFakeExecutor()
		exec.gate = make(chan struct{})
		defer close(exec.gate)
		s := newScheduler(t, exec, scheduler.Options{MaxRunners: 4, QueueTimeout: 100 * time.Millisecond},
			models.Function{ID: 1, ConcurrencyLimit: 1},
		)

		_, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, ""))
		require.NoError(t, err)
		queued, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, ""))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := queued.Wait(ctx)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, models.ErrAdmissionRejected)
		assert.Equal(t, scheduler.Stats{Inflight: 1}, s.Stats())

		_, final := drain(t, queued.Subscribe())
		assert.Equal(t, streamer.RecordError, final.Type)
	})

	t.Run("caller leaving the queue", func(t *testing.T) {
		exec := newFakeExecutor()
		exec.gate = make(chan struct{})
		defer close(exec.gate)
		s := newScheduler(t, exec, scheduler.Options{MaxRunners: 1, DefaultConcurrency: 5},
			models.Function{ID: 1},
		)

		_, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, ""))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		queued, err := s.Submit(ctx, models.NewExecutionRequest(1, models.OriginHTTP, ""))
		require.NoError(t, err)
		cancel()

		select {
		case <-queued.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("request stayed queued")
		}
		_, err = queued.Wait(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, s.Stats().Queued)
	})
}

func drain(t *testing.T, sub *streamer.Subscription) (string, streamer.Record) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out string
	for {
		rec, ok := sub.Next(ctx)
		require.True(t, ok)
		if rec.Terminal() {
			return out, rec
		}
		out += rec.Content
	}
}

func TestScheduler_Observers(t *testing.T) {
	exec := newFakeExecutor()
	s := newScheduler(t, exec, scheduler.Options{MaxRunners: 2}, models.Function{ID: 1})

	var calls atomic.Int32
	var freeSlotSeen atomic.Bool
	s.AddObserver(scheduler.ObserverFunc(func(_ context.Context, req *models.ExecutionRequest, fn *models.Function, res *models.ExecutionResult) {
		calls.Add(1)
		freeSlotSeen.Store(s.FunctionStats(fn.ID).Inflight == 0)
		assert.Equal(t, req.ID, res.RequestID)
	}))

	h, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginTrigger, "x"))
	require.NoError(t, err)
	waitAll(t, []*scheduler.Handle{h})

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, freeSlotSeen.Load(), "observers run after the slot was released")

	streamed, final := drain(t, h.Subscribe())
	assert.Equal(t, "ran x\n", streamed)
	assert.Equal(t, streamer.RecordEnd, final.Type)
}

func TestScheduler_Cancel(t *testing.T) {
	exec := newFakeExecutor()
	exec.gate = make(chan struct{})
	defer close(exec.gate)
	s := newScheduler(t, exec, scheduler.Options{MaxRunners: 1}, models.Function{ID: 1})

	h, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginCLI, ""))
	require.NoError(t, err)
	h.Cancel()

	res := waitAll(t, []*scheduler.Handle{h})[0]
	assert.Equal(t, models.EsCancelled, res.Status)
	assert.Equal(t, models.ExitCodeCancelled, res.ExitCode)
}

func TestScheduler_PanicReleasesSlot(t *testing.T) {
	exec := newFakeExecutor()
	exec.panicOn = 1
	s := newScheduler(t, exec, scheduler.Options{MaxRunners: 1}, models.Function{ID: 1}, models.Function{ID: 2})

	h1, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, ""))
	require.NoError(t, err)
	h2, err := s.Submit(context.Background(), models.NewExecutionRequest(2, models.OriginHTTP, ""))
	require.NoError(t, err)

	results := waitAll(t, []*scheduler.Handle{h1, h2})
	assert.Equal(t, models.EsCrashed, results[0].Status)
	assert.Equal(t, models.EsCompleted, results[1].Status)
}

func TestScheduler_UnknownFunction(t *testing.T) {
	s := newScheduler(t, newFakeExecutor(), scheduler.Options{})
	_, err := s.Submit(context.Background(), models.NewExecutionRequest(404, models.OriginHTTP, ""))
	assert.ErrorIs(t, err, models.ErrFunctionNotFound)
}

func TestScheduler_Shutdown(t *testing.T) {
	exec := newFakeExecutor()
	exec.gate = make(chan struct{})
	s := scheduler.New(store.NewMemoryStore(), exec, scheduler.Options{MaxRunners: 1}, nil)

	fn := &models.Function{ID: 1}
	running := models.NewExecutionRequest(1, models.OriginHTTP, "")
	running.Function = fn
	h1, err := s.Submit(context.Background(), running)
	require.NoError(t, err)

	queuedReq := models.NewExecutionRequest(1, models.OriginHTTP, "")
	queuedReq.Function = fn
	h2, err := s.Submit(context.Background(), queuedReq)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	res, err := h1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.EsCancelled, res.Status)

	_, err = h2.Wait(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrShuttingDown)

	next := running.NextAttempt()
	next.Function = fn
	_, err = s.Submit(context.Background(), next)
	assert.ErrorIs(t, err, scheduler.ErrShuttingDown)
}

// handoffRecorder collects the requests handed off by a stopping scheduler
type handoffRecorder struct {
	mu   sync.Mutex
	reqs []*models.ExecutionRequest
	err  error
}

func (h *handoffRecorder) Enqueue(_ context.Context, req *models.ExecutionRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.reqs = append(h.reqs, req)
	return nil
}

func TestScheduler_ShutdownQueuedTriggers(t *testing.T) {
	setup := func(t *testing.T, handoff scheduler.Submitter) (*scheduler.Scheduler, *fakeExecutor, []*models.ExecutionRequest, *sync.Map) {
		exec := newFakeExecutor()
		exec.gate = make(chan struct{})
		s := scheduler.New(store.NewMemoryStore(), exec, scheduler.Options{MaxRunners: 1}, nil)
		if handoff != nil {
			s.SetHandoff(handoff)
		}

		results := &sync.Map{}
		s.AddObserver(scheduler.ObserverFunc(func(_ context.Context, req *models.ExecutionRequest, _ *models.Function, res *models.ExecutionResult) {
			results.Store(req.ID, res)
		}))

		fn := &models.Function{ID: 1}
		var reqs []*models.ExecutionRequest
		for _, payload := range []string{"running", "queued-1", "queued-2"} {
			req := models.NewExecutionRequest(1, models.OriginTrigger, payload)
			req.Function = fn
			_, err := s.Submit(context.Background(), req)
			require.NoError(t, err)
			reqs = append(reqs, req)
		}
		return s, exec, reqs, results
	}

	shutdown := func(t *testing.T, s *scheduler.Scheduler, exec *fakeExecutor) {
		time.AfterFunc(50*time.Millisecond, func() { close(exec.gate) })
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	}

	t.Run("handed off", func(t *testing.T) {
		handoff := &handoffRecorder{}
		s, exec, reqs, results := setup(t, handoff)
		shutdown(t, s, exec)

		require.Len(t, handoff.reqs, 2)
		handed := []string{handoff.reqs[0].Payload, handoff.reqs[1].Payload}
		assert.ElementsMatch(t, []string{"queued-1", "queued-2"}, handed)
		assert.Equal(t, []string{"running"}, exec.Order())

		res, ok := results.Load(reqs[0].ID)
		require.True(t, ok)
		assert.Equal(t, models.EsCompleted, res.(*models.ExecutionResult).Status)
		_, ok = results.Load(reqs[1].ID)
		assert.False(t, ok, "handed off requests are not reported")
	})

	t.Run("reported as cancelled without handoff", func(t *testing.T) {
		s, exec, reqs, results := setup(t, nil)
		shutdown(t, s, exec)

		for _, req := range reqs[1:] {
			res, ok := results.Load(req.ID)
			require.True(t, ok, req.Payload)
			assert.Equal(t, models.EsCancelled, res.(*models.ExecutionResult).Status)
			assert.Equal(t, models.ExitCodeCancelled, res.(*models.ExecutionResult).ExitCode)
		}
	})

	t.Run("reported as cancelled when the handoff fails", func(t *testing.T) {
		s, exec, reqs, results := setup(t, &handoffRecorder{err: errors.New("redis down")})
		shutdown(t, s, exec)

		for _, req := range reqs[1:] {
			res, ok := results.Load(req.ID)
			require.True(t, ok, req.Payload)
			assert.Equal(t, models.EsCancelled, res.(*models.ExecutionResult).Status)
		}
	})
}

// memorySlots is a SlotLimiter shared by schedulers of one test
type memorySlots struct {
	mu   sync.Mutex
	held map[int64]int
	err  error
}

func (m *memorySlots) Acquire(ctx context.Context, functionID int64, limit int, _ string) (func(), error) {
	for {
		m.mu.Lock()
		if m.err != nil {
			m.mu.Unlock()
			return nil, m.err
		}
		if m.held[functionID] < limit {
			m.held[functionID]++
			m.mu.Unlock()
			return func() {
				m.mu.Lock()
				m.held[functionID]--
				m.mu.Unlock()
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduler_SharedLimits(t *testing.T) {
	t.Run("limit holds across schedulers", func(t *testing.T) {
		exec := newFakeExecutor()
		exec.delay = 30 * time.Millisecond
		slots := &memorySlots{held: make(map[int64]int)}
		fn := models.Function{ID: 1, ConcurrencyLimit: 1}

		var handles []*scheduler.Handle
		for i := 0; i < 2; i++ {
			s := newScheduler(t, exec, scheduler.Options{MaxRunners: 4}, fn)
			s.ShareLimits(slots)
			for j := 0; j < 3; j++ {
				h, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginTrigger, "x"))
				require.NoError(t, err)
				handles = append(handles, h)
			}
		}

		for _, res := range waitAll(t, handles) {
			assert.Equal(t, models.EsCompleted, res.Status)
		}
		exec.mu.Lock()
		defer exec.mu.Unlock()
		assert.Equal(t, 1, exec.maxSeen[1])
	})

	t.Run("limiter failure ends the execution", func(t *testing.T) {
		exec := newFakeExecutor()
		s := newScheduler(t, exec, scheduler.Options{}, models.Function{ID: 1})
		s.ShareLimits(&memorySlots{held: make(map[int64]int), err: errors.New("redis down")})

		h, err := s.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, "x"))
		require.NoError(t, err)
		res := waitAll(t, []*scheduler.Handle{h})[0]

		assert.Equal(t, models.EsUnavailable, res.Status)
		assert.Contains(t, res.Error, "redis down")
		assert.Empty(t, exec.Order(), "executor is not called without a slot")

		_, final := drain(t, h.Subscribe())
		assert.Equal(t, streamer.RecordError, final.Type)
	})
}
