package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"

	"fnrunner/internal/models"
)

// TriggerMessage carries one fired trigger execution from the clock to a worker
type TriggerMessage struct {
	RequestID   uuid.UUID `json:"request_id"`
	FunctionID  int64     `json:"function_id"`
	TriggerID   null.Int  `json:"trigger_id"`
	Payload     string    `json:"payload"`
	Attempt     int       `json:"attempt"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func NewTriggerMessage(req *models.ExecutionRequest) TriggerMessage {
	return TriggerMessage{
		RequestID:   req.ID,
		FunctionID:  req.FunctionID,
		TriggerID:   req.TriggerID,
		Payload:     req.Payload,
		Attempt:     req.Attempt,
		ScheduledAt: req.RequestedAt,
	}
}

// Request turns the message back into a trigger-origin execution request
func (m TriggerMessage) Request() *models.ExecutionRequest {
	req := models.NewExecutionRequest(m.FunctionID, models.OriginTrigger, m.Payload)
	if m.RequestID != uuid.Nil {
		req.ID = m.RequestID
	}
	req.TriggerID = m.TriggerID
	if m.Attempt > 0 {
		req.Attempt = m.Attempt
	}
	if !m.ScheduledAt.IsZero() {
		req.RequestedAt = m.ScheduledAt
	}
	return req
}

// Client defines the interface for trigger queue operations
type Client interface {
	Publish(ctx context.Context, message TriggerMessage) error
	Subscribe(ctx context.Context, handler func(TriggerMessage) error) error
	Close() error
}
