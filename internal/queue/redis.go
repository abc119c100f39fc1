package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/config"
)

const (
	TriggerQueueName    = "fnrunner:triggers"
	DeadLetterQueueName = "fnrunner:triggers:dead"
)

var ErrAlreadySubscribed = errors.New("client is already subscribed")

// RedisClient implements Client using Redis
type RedisClient struct {
	client     *redis.Client
	workerID   string
	subscribed atomic.Bool
}

// deadLetter is what lands on the dead letter queue when a message could not be handled
type deadLetter struct {
	Message   TriggerMessage `json:"message"`
	Error     string         `json:"error"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id"`
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	host, _ := os.Hostname()
	return &RedisClient{
		client:   client,
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}, nil
}

func NewRedisClientFromConfig(conf *config.Config) (*RedisClient, error) {
	return NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
}

// Publish sends a trigger message to the queue
func (r *RedisClient) Publish(ctx context.Context, message TriggerMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, TriggerQueueName, data).Err()
}

// Subscribe starts listening for messages and processes them with the handler. Messages the handler fails
// on are moved to the dead letter queue. One client can only be subscribed once.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(TriggerMessage) error) error {
	if !r.subscribed.CompareAndSwap(false, true) {
		return ErrAlreadySubscribed
	}
	defer r.subscribed.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		message, err := r.getNewMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().
				Err(err).
				Msg("Error encountered when fetching message from queue")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if message == nil {
			continue
		}

		if err := processMessage(handler, *message); err != nil {
			log.Error().
				Err(err).
				Int64("function_id", message.FunctionID).
				Str("request_id", message.RequestID.String()).
				Msg("Error encountered when processing message")
			r.sendToDeadLetter(ctx, *message, err)
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*TriggerMessage, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, TriggerQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	var message TriggerMessage
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		log.Error().Err(err).Str("data", result[1]).Msg("Dropping malformed queue message")
		return nil, nil
	}
	return &message, nil
}

func (r *RedisClient) sendToDeadLetter(ctx context.Context, message TriggerMessage, cause error) {
	data, err := json.Marshal(deadLetter{
		Message:   message,
		Error:     cause.Error(),
		Timestamp: time.Now(),
		WorkerID:  r.workerID,
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not encode dead letter")
		return
	}
	if err := r.client.RPush(context.WithoutCancel(ctx), DeadLetterQueueName, data).Err(); err != nil {
		log.Error().Err(err).Str("request_id", message.RequestID.String()).Msg("Could not push dead letter")
	}
}

func processMessage(handler func(TriggerMessage) error, message TriggerMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().Interface("panic", rcv).Str("request_id", message.RequestID.String()).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(message)
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
