package queue

import (
	"context"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/models"
	"fnrunner/internal/scheduler"
)

// Forwarder hands fired triggers to the queue instead of a local scheduler. It is what the clock submits to
// when clock and workers run as separate processes.
type Forwarder struct {
	client Client
}

func NewForwarder(client Client) *Forwarder {
	return &Forwarder{client: client}
}

func (f *Forwarder) Enqueue(ctx context.Context, req *models.ExecutionRequest) error {
	if err := f.client.Publish(ctx, NewTriggerMessage(req)); err != nil {
		return err
	}

	log.Debug().
		Int64("function_id", req.FunctionID).
		Str("request_id", req.ID.String()).
		Msg("Forwarded trigger execution")
	return nil
}

// Consume submits every queued message to the local scheduler until ctx is done. A submitted message is
// off the queue, so it is not tied to ctx and survives the end of consumption.
func Consume(ctx context.Context, client Client, submitter scheduler.Submitter) error {
	log.Info().Msg("Consuming trigger queue")

	submitCtx := context.WithoutCancel(ctx)
	return client.Subscribe(ctx, func(message TriggerMessage) error {
		return submitter.Enqueue(submitCtx, message.Request())
	})
}
