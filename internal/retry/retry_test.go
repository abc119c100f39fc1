package retry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fnrunner/internal/models"
	"fnrunner/internal/retry"
	"fnrunner/internal/scheduler"
	"fnrunner/internal/store"
	"fnrunner/internal/streamer"
)

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Enqueue(ctx context.Context, req *models.ExecutionRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func triggerRequest(attempt int) *models.ExecutionRequest {
	req := models.NewExecutionRequest(1, models.OriginTrigger, `{"n":1}`)
	req.TriggerID = null.IntFrom(7)
	req.Attempt = attempt
	return req
}

func TestShouldRetry(t *testing.T) {
	retrying := &models.Function{ID: 1, RetryOnFailure: true, MaxRetries: 2}
	crashed := &models.ExecutionResult{Status: models.EsCrashed}

	tests := []struct {
		name     string
		origin   models.Origin
		attempt  int
		fn       *models.Function
		res      *models.ExecutionResult
		expected bool
	}{
		{"first failure", models.OriginTrigger, 1, retrying, crashed, true},
		{"last allowed retry", models.OriginTrigger, 2, retrying, crashed, true},
		{"retries exhausted", models.OriginTrigger, 3, retrying, crashed, false},
		{"success", models.OriginTrigger, 1, retrying, &models.ExecutionResult{Status: models.EsCompleted}, false},
		{"timeout counts as failure", models.OriginTrigger, 1, retrying, &models.ExecutionResult{Status: models.EsTimedOut}, true},
		{"retry disabled", models.OriginTrigger, 1, &models.Function{MaxRetries: 2}, crashed, false},
		{"http origin", models.OriginHTTP, 1, retrying, crashed, false},
		{"cli origin", models.OriginCLI, 1, retrying, crashed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := triggerRequest(tt.attempt)
			req.Origin = tt.origin
			assert.Equal(t, tt.expected, retry.ShouldRetry(req, tt.fn, tt.res))
		})
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := retry.New(&MockSubmitter{}, 5*time.Second, 12*time.Second, nil)
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 12*time.Second, p.Delay(3))
}

func TestPolicy_Observe(t *testing.T) {
	t.Run("resubmits the next attempt", func(t *testing.T) {
		submitter := &MockSubmitter{}
		done := make(chan *models.ExecutionRequest, 1)
		submitter.On("Enqueue", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { done <- args.Get(1).(*models.ExecutionRequest) }).
			Return(nil).
			Once()

		p := retry.New(submitter, time.Millisecond, 0, nil)
		req := triggerRequest(1)
		p.Observe(context.Background(), req, &models.Function{ID: 1, RetryOnFailure: true, MaxRetries: 1},
			&models.ExecutionResult{Status: models.EsCrashed})

		select {
		case next := <-done:
			assert.Equal(t, 2, next.Attempt)
			assert.Equal(t, req.TriggerID, next.TriggerID)
			assert.Equal(t, req.Payload, next.Payload)
			assert.NotEqual(t, req.ID, next.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("retry was not submitted")
		}
		submitter.AssertExpectations(t)
	})

	t.Run("stops when not retryable", func(t *testing.T) {
		submitter := &MockSubmitter{}
		p := retry.New(submitter, time.Millisecond, 0, nil)
		p.Observe(context.Background(), triggerRequest(2), &models.Function{ID: 1, RetryOnFailure: true, MaxRetries: 1},
			&models.ExecutionResult{Status: models.EsCrashed})

		time.Sleep(20 * time.Millisecond)
		submitter.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})
}

func TestPolicy_Stop(t *testing.T) {
	retrying := &models.Function{ID: 1, RetryOnFailure: true, MaxRetries: 3}
	crashed := &models.ExecutionResult{Status: models.EsCrashed}

	t.Run("pending retries are held", func(t *testing.T) {
		submitter := &MockSubmitter{}
		p := retry.New(submitter, time.Hour, 0, nil)

		req := triggerRequest(1)
		p.Observe(context.Background(), req, retrying, crashed)
		assert.Equal(t, 1, p.Pending())

		p.Stop()
		assert.Equal(t, 0, p.Pending())

		p.Observe(context.Background(), triggerRequest(2), retrying, crashed)
		assert.Equal(t, 0, p.Pending(), "no timer is started after Stop")

		held := p.Held()
		require.Len(t, held, 2)
		assert.Equal(t, 2, held[0].Attempt)
		assert.Equal(t, req.TriggerID, held[0].TriggerID)
		assert.Equal(t, 3, held[1].Attempt)
		assert.Empty(t, p.Held())
		submitter.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})

	t.Run("retries refused by a stopping scheduler are held", func(t *testing.T) {
		submitter := &MockSubmitter{}
		called := make(chan struct{})
		submitter.On("Enqueue", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { close(called) }).
			Return(scheduler.ErrShuttingDown).
			Once()

		p := retry.New(submitter, time.Millisecond, 0, nil)
		p.Observe(context.Background(), triggerRequest(1), retrying, crashed)

		select {
		case <-called:
		case <-time.After(5 * time.Second):
			t.Fatal("retry was not submitted")
		}
		assert.Eventually(t, func() bool { return len(p.Held()) == 1 }, time.Second, 5*time.Millisecond)
	})
}

// failingExecutor counts attempts and always crashes
type failingExecutor struct {
	mu       sync.Mutex
	attempts []int
}

func (f *failingExecutor) Execute(_ context.Context, req *models.ExecutionRequest, _ *models.Function, sess *streamer.Session) *models.ExecutionResult {
	f.mu.Lock()
	f.attempts = append(f.attempts, req.Attempt)
	f.mu.Unlock()

	sess.End(1)
	now := time.Now()
	return &models.ExecutionResult{RequestID: req.ID, Status: models.EsCrashed, ExitCode: 1, StartedAt: now, FinishedAt: now, Attempt: req.Attempt}
}

func (f *failingExecutor) Attempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attempts...)
}

func TestPolicy_RetryBound(t *testing.T) {
	st := store.NewMemoryStore()
	st.PutFunction(models.Function{ID: 1, RetryOnFailure: true, MaxRetries: 2})

	exec := &failingExecutor{}
	s := scheduler.New(st, exec, scheduler.Options{MaxRunners: 2}, nil)
	defer func() { _ = s.Shutdown(context.Background()) }()
	s.AddObserver(retry.New(s, time.Millisecond, 10*time.Millisecond, nil))

	assert.NoError(t, s.Enqueue(context.Background(), triggerRequest(1)))

	assert.Eventually(t, func() bool { return len(exec.Attempts()) == 3 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, exec.Attempts())
}
