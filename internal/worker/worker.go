package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/queue"
	"fnrunner/internal/scheduler"
)

// Worker runs the trigger executions published by a separate clock process
type Worker struct {
	ID        string
	queue     queue.Client
	submitter scheduler.Submitter
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(client queue.Client, submitter scheduler.Submitter) *Worker {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{ID: id, queue: client, submitter: submitter, ctx: ctx, cancel: cancel}
}

// Start is a blocking function. It listens to the queue and hands every queue.TriggerMessage to the
// local scheduler until Stop is called.
func (w *Worker) Start() error {
	log.Info().Str("worker_id", w.ID).Msg("Worker started")

	err := queue.Consume(w.ctx, w.queue, w.submitter)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) Stop() {
	w.cancel()
}
