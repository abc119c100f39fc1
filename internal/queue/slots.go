package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	slotKeyPrefix = "fnrunner:slots:"

	DefaultSlotLease = 30 * time.Second
	DefaultSlotPoll  = 100 * time.Millisecond
)

// SlotKey is the sorted set holding the execution leases of a function. Members are holders, scores the
// unix milliseconds at which a lease expires.
func SlotKey(functionID int64) string {
	return slotKeyPrefix + strconv.FormatInt(functionID, 10)
}

// acquireSlot drops expired leases, then takes one for the holder when the function has room.
// KEYS[1] slot key, ARGV now, expiry, limit, holder, key ttl in ms.
var acquireSlot = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) or redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

// RedisSlots bounds the concurrent executions of every function across all processes sharing one redis.
// Each execution holds a lease that is renewed while it runs, so the slots of a crashed process free up
// once their leases expire.
type RedisSlots struct {
	client *redis.Client
	lease  time.Duration
	poll   time.Duration
}

func NewRedisSlots(r *RedisClient, lease, poll time.Duration) *RedisSlots {
	if lease <= 0 {
		lease = DefaultSlotLease
	}
	if poll <= 0 {
		poll = DefaultSlotPoll
	}
	return &RedisSlots{client: r.client, lease: lease, poll: poll}
}

// Acquire blocks until the function runs fewer than limit executions anywhere, then takes a lease for
// holder. The lease is renewed until release is called.
func (s *RedisSlots) Acquire(ctx context.Context, functionID int64, limit int, holder string) (func(), error) {
	key := SlotKey(functionID)
	waiting := false
	for {
		ok, err := s.tryAcquire(ctx, key, limit, holder)
		if err != nil {
			return nil, fmt.Errorf("could not acquire execution slot of function %d: %w", functionID, err)
		}
		if ok {
			break
		}
		if !waiting {
			waiting = true
			log.Debug().
				Int64("function_id", functionID).
				Str("holder", holder).
				Int("limit", limit).
				Msg("Waiting for a shared execution slot")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.poll):
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.renew(renewCtx, key, holder)
	}()

	return func() {
		stopRenew()
		<-done

		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.ZRem(rctx, key, holder).Err(); err != nil {
			log.Error().Err(err).Int64("function_id", functionID).Str("holder", holder).Msg("Could not release execution slot")
		}
	}, nil
}

func (s *RedisSlots) tryAcquire(ctx context.Context, key string, limit int, holder string) (bool, error) {
	now := time.Now()
	acquired, err := acquireSlot.Run(ctx, s.client, []string{key},
		now.UnixMilli(),
		now.Add(s.lease).UnixMilli(),
		limit,
		holder,
		(2 * s.lease).Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return acquired == 1, nil
}

func (s *RedisSlots) renew(ctx context.Context, key, holder string) {
	ticker := time.NewTicker(s.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAddXX(ctx, key, redis.Z{Score: float64(time.Now().Add(s.lease).UnixMilli()), Member: holder})
			pipe.PExpire(ctx, key, 2*s.lease)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("key", key).Str("holder", holder).Msg("Could not renew execution slot")
		}
	}
}
