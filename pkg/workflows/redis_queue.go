package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces the list keys. Defaults to "depup:".
	Prefix string

	// PollTimeout bounds one blocking pop so context cancellation is noticed.
	PollTimeout time.Duration

	// DialTimeout bounds the initial ping.
	DialTimeout time.Duration
}

// RedisQueue is an execution channel on two Redis lists: runners pop requests
// from "<prefix>requests" and push completions to "<prefix>completions".
// Frames are the JSON messages of Marshal.
type RedisQueue struct {
	client      *redis.Client
	logger      *telemetry.Logger
	prefix      string
	pollTimeout time.Duration
}

var (
	_ engine.ExecutionQueue = (*RedisQueue)(nil)
	_ RequestSource         = (*RedisQueue)(nil)
	_ CompletionSource      = (*RedisQueue)(nil)
)

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *telemetry.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, engine.NewTransientError(fmt.Sprintf("failed to connect to redis at %s", cfg.Addr), err).
			WithOperation("redis.ping")
	}

	return newRedisQueue(client, cfg, logger), nil
}

func newRedisQueue(client *redis.Client, cfg RedisConfig, logger *telemetry.Logger) *RedisQueue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "depup:"
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &RedisQueue{
		client:      client,
		logger:      logger.WithComponent("redis_queue"),
		prefix:      prefix,
		pollTimeout: pollTimeout,
	}
}

// RequestsKey is the list execution requests are pushed to.
func (q *RedisQueue) RequestsKey() string { return q.prefix + "requests" }

// CompletionsKey is the list completions are pushed to.
func (q *RedisQueue) CompletionsKey() string { return q.prefix + "completions" }

// Enqueue pushes req onto the request list.
func (q *RedisQueue) Enqueue(ctx context.Context, req *engine.ExecutionRequest) error {
	frame, err := Marshal(MessageTypeRequest, req)
	if err != nil {
		return engine.NewPermanentError("failed to encode execution request", err).WithResource(req.ExecutionID)
	}
	if err := q.client.LPush(ctx, q.RequestsKey(), frame).Err(); err != nil {
		return engine.NewTransientError("failed to push execution request", err).
			WithResource(req.ExecutionID).
			WithOperation("redis.lpush")
	}
	return nil
}

// PublishCompletion pushes c onto the completion list.
func (q *RedisQueue) PublishCompletion(ctx context.Context, c *engine.Completion) error {
	frame, err := Marshal(MessageTypeCompletion, c)
	if err != nil {
		return engine.NewPermanentError("failed to encode completion", err).WithResource(c.ExecutionID)
	}
	if err := q.client.LPush(ctx, q.CompletionsKey(), frame).Err(); err != nil {
		return engine.NewTransientError("failed to push completion", err).
			WithResource(c.ExecutionID).
			WithOperation("redis.lpush")
	}
	return nil
}

// Next pops the oldest execution request.
func (q *RedisQueue) Next(ctx context.Context) (*engine.ExecutionRequest, error) {
	msg, err := q.pop(ctx, q.RequestsKey())
	if err != nil {
		return nil, err
	}
	return msg.Request()
}

// NextCompletion pops the oldest completion.
func (q *RedisQueue) NextCompletion(ctx context.Context) (*engine.Completion, error) {
	msg, err := q.pop(ctx, q.CompletionsKey())
	if err != nil {
		return nil, err
	}
	return msg.Completion()
}

// pop blocks on key in PollTimeout slices until a frame arrives or ctx ends.
// Malformed frames are logged and skipped.
func (q *RedisQueue) pop(ctx context.Context, key string) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := q.client.BRPop(ctx, q.pollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, engine.NewTransientError(fmt.Sprintf("failed to pop from %s", key), err).
				WithOperation("redis.brpop")
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			continue
		}

		msg, err := Unmarshal([]byte(res[1]))
		if err != nil {
			q.logger.WithError(err).WithField("key", key).Warn("dropping malformed frame")
			continue
		}
		return msg, nil
	}
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}
