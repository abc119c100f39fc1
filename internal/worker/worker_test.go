package worker_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fnrunner/internal/config"
	"fnrunner/internal/models"
	"fnrunner/internal/queue"
	"fnrunner/internal/store"
	"fnrunner/internal/worker"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	conf, err := config.LoadConfig()
	require.NoError(t, err)

	conf.Runner.Sandbox = "local"
	conf.Runner.DataDir = t.TempDir()
	conf.Runner.DefaultTimeout = 10 * time.Second
	conf.Runner.KillGrace = time.Second
	conf.Scheduler.MaxRunners = 2
	conf.Retry.Backoff = 10 * time.Millisecond
	conf.Retry.MaxBackoff = 50 * time.Millisecond
	return conf
}

func TestEngine(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}

	st := store.NewMemoryStore()
	st.PutFunction(models.Function{
		ID:             1,
		UserID:         10,
		Image:          "alpine:3",
		StartupFile:    "main.sh",
		TimeoutSeconds: 5,
		RetryOnFailure: true,
		MaxRetries:     1,
	}, models.FunctionFile{Name: "main.sh", Content: "echo failing\nexit 2\n"})

	engine, err := worker.NewEngine(localConfig(t), st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	t.Run("failed triggers are recorded and retried", func(t *testing.T) {
		req := models.NewExecutionRequest(1, models.OriginTrigger, "{}")
		req.TriggerID = null.IntFrom(5)
		require.NoError(t, engine.Scheduler.Enqueue(context.Background(), req))

		assert.Eventually(t, func() bool { return len(st.TriggerLogs()) == 2 }, 10*time.Second, 20*time.Millisecond)
		time.Sleep(200 * time.Millisecond)

		logs := st.TriggerLogs()
		require.Len(t, logs, 2, "one retry after the first failure")
		for _, l := range logs {
			assert.Equal(t, int64(5), l.TriggerID)
			assert.Contains(t, l.Logs, "failing")
		}
	})

	t.Run("http results are returned but not recorded", func(t *testing.T) {
		before := len(st.TriggerLogs())

		h, err := engine.Scheduler.Submit(context.Background(), models.NewExecutionRequest(1, models.OriginHTTP, "{}"))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := h.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.EsCrashed, res.Status)
		assert.Equal(t, 2, res.ExitCode)
		assert.Equal(t, "failing\n", res.Output)
		assert.Len(t, st.TriggerLogs(), before)
	})
}

// chanClient delivers the messages sent on its channel until the subscription ends
type chanClient struct {
	messages chan queue.TriggerMessage
}

func (c *chanClient) Publish(_ context.Context, message queue.TriggerMessage) error {
	c.messages <- message
	return nil
}

func (c *chanClient) Subscribe(ctx context.Context, handler func(queue.TriggerMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.messages:
			_ = handler(m)
		}
	}
}

func (c *chanClient) Close() error {
	return nil
}

type chanSubmitter chan *models.ExecutionRequest

func (s chanSubmitter) Enqueue(_ context.Context, req *models.ExecutionRequest) error {
	s <- req
	return nil
}

func TestWorker(t *testing.T) {
	client := &chanClient{messages: make(chan queue.TriggerMessage, 1)}
	submitted := make(chanSubmitter, 1)
	wrk := worker.New(client, submitted)
	assert.NotEmpty(t, wrk.ID)

	errCh := make(chan error, 1)
	go func() { errCh <- wrk.Start() }()

	req := models.NewExecutionRequest(3, models.OriginTrigger, `{"k":"v"}`)
	req.TriggerID = null.IntFrom(9)
	require.NoError(t, queue.NewForwarder(client).Enqueue(context.Background(), req))

	select {
	case got := <-submitted:
		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, int64(3), got.FunctionID)
		assert.Equal(t, null.IntFrom(9), got.TriggerID)
		assert.Equal(t, `{"k":"v"}`, got.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not submitted")
	}

	wrk.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_StopKeepsConsumedTriggers(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}

	run := func(t *testing.T, handoff chanSubmitter) (*store.MemoryStore, []*models.ExecutionRequest) {
		st := store.NewMemoryStore()
		st.PutFunction(models.Function{ID: 2, UserID: 10, Image: "alpine:3", StartupFile: "main.sh", TimeoutSeconds: 5},
			models.FunctionFile{Name: "main.sh", Content: "sleep 1\n"})

		conf := localConfig(t)
		conf.Scheduler.MaxRunners = 1
		engine, err := worker.NewEngine(conf, st, nil)
		require.NoError(t, err)
		if handoff != nil {
			engine.HandOffTo(handoff)
		}

		client := &chanClient{messages: make(chan queue.TriggerMessage, 3)}
		var published []*models.ExecutionRequest
		for i := 0; i < 3; i++ {
			req := models.NewExecutionRequest(2, models.OriginTrigger, "{}")
			req.TriggerID = null.IntFrom(int64(20 + i))
			require.NoError(t, queue.NewForwarder(client).Enqueue(context.Background(), req))
			published = append(published, req)
		}

		wrk := worker.New(client, engine.Scheduler)
		errCh := make(chan error, 1)
		go func() { errCh <- wrk.Start() }()

		require.Eventually(t, func() bool {
			stats := engine.Scheduler.Stats()
			return stats.Inflight == 1 && stats.Queued == 2
		}, 5*time.Second, 10*time.Millisecond)

		wrk.Stop()
		require.NoError(t, <-errCh)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 2, engine.Scheduler.Stats().Queued, "stopping the worker keeps consumed triggers queued")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, engine.Shutdown(ctx))
		return st, published
	}

	t.Run("queued triggers are handed back", func(t *testing.T) {
		handoff := make(chanSubmitter, 3)
		st, published := run(t, handoff)

		logs := st.TriggerLogs()
		require.Len(t, logs, 1)
		assert.Equal(t, string(models.EsCompleted), logs[0].Status)

		require.Len(t, handoff, 2)
		ids := map[string]bool{}
		for _, req := range published {
			ids[req.ID.String()] = true
		}
		for i := 0; i < 2; i++ {
			req := <-handoff
			assert.True(t, ids[req.ID.String()])
			assert.True(t, req.TriggerID.Valid)
		}
	})

	t.Run("queued triggers are recorded without a handoff", func(t *testing.T) {
		st, _ := run(t, nil)

		statuses := map[string]int{}
		for _, l := range st.TriggerLogs() {
			statuses[l.Status]++
		}
		assert.Equal(t, map[string]int{string(models.EsCompleted): 1, string(models.EsCancelled): 2}, statuses)
	})
}
