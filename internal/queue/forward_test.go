package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fnrunner/internal/models"
	"fnrunner/internal/queue"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Publish(ctx context.Context, message queue.TriggerMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockClient) Subscribe(ctx context.Context, handler func(queue.TriggerMessage) error) error {
	args := m.Called(ctx, handler)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Enqueue(ctx context.Context, req *models.ExecutionRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func triggerRequest() *models.ExecutionRequest {
	req := models.NewExecutionRequest(5, models.OriginTrigger, `{"a":1}`)
	req.TriggerID = null.IntFrom(11)
	req.Attempt = 2
	return req
}

func TestTriggerMessage_Request(t *testing.T) {
	req := triggerRequest()
	got := queue.NewTriggerMessage(req).Request()

	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, req.FunctionID, got.FunctionID)
	assert.Equal(t, req.TriggerID, got.TriggerID)
	assert.Equal(t, req.Payload, got.Payload)
	assert.Equal(t, req.Attempt, got.Attempt)
	assert.Equal(t, models.OriginTrigger, got.Origin)
	assert.True(t, req.RequestedAt.Equal(got.RequestedAt))

	t.Run("missing fields get defaults", func(t *testing.T) {
		got := queue.TriggerMessage{FunctionID: 1}.Request()
		assert.NotEqual(t, got.ID.String(), "00000000-0000-0000-0000-000000000000")
		assert.Equal(t, 1, got.Attempt)
		assert.WithinDuration(t, time.Now(), got.RequestedAt, time.Second)
	})
}

func TestForwarder_Enqueue(t *testing.T) {
	req := triggerRequest()

	client := &MockClient{}
	client.On("Publish", mock.Anything, queue.NewTriggerMessage(req)).Return(nil).Once()
	require.NoError(t, queue.NewForwarder(client).Enqueue(context.Background(), req))
	client.AssertExpectations(t)

	failing := &MockClient{}
	failing.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down"))
	assert.Error(t, queue.NewForwarder(failing).Enqueue(context.Background(), req))
}

func TestConsume(t *testing.T) {
	req := triggerRequest()
	message := queue.NewTriggerMessage(req)

	submitter := &MockSubmitter{}
	submitter.On("Enqueue", mock.Anything, mock.MatchedBy(func(got *models.ExecutionRequest) bool {
		return got.ID == req.ID && got.Origin == models.OriginTrigger
	})).Return(nil).Once()

	client := &MockClient{}
	var handlerErr error
	client.On("Subscribe", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler := args.Get(1).(func(queue.TriggerMessage) error)
			handlerErr = handler(message)
		}).
		Return(context.Canceled).
		Once()

	err := queue.Consume(context.Background(), client, submitter)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, handlerErr)
	submitter.AssertExpectations(t)
	client.AssertExpectations(t)
}

func TestConsume_SubmissionsOutliveConsumer(t *testing.T) {
	message := queue.NewTriggerMessage(triggerRequest())

	var submitCtx context.Context
	submitter := &MockSubmitter{}
	submitter.On("Enqueue", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submitCtx = args.Get(0).(context.Context)
		}).
		Return(nil).
		Once()

	ctx, cancel := context.WithCancel(context.Background())
	client := &MockClient{}
	client.On("Subscribe", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler := args.Get(1).(func(queue.TriggerMessage) error)
			_ = handler(message)
			cancel()
		}).
		Return(context.Canceled).
		Once()

	err := queue.Consume(ctx, client, submitter)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, submitCtx)
	assert.NoError(t, submitCtx.Err(), "submitted trigger is cancelled with the consumer")
}
