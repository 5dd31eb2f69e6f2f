package workflows

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

func TestNewRedisQueueUnreachable(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	}, nil)
	if !engine.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestRedisQueueKeys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	q := newRedisQueue(client, RedisConfig{}, nil)
	if q.RequestsKey() != "depup:requests" || q.CompletionsKey() != "depup:completions" {
		t.Errorf("unexpected default keys: %s, %s", q.RequestsKey(), q.CompletionsKey())
	}
	if q.pollTimeout != time.Second {
		t.Errorf("unexpected default poll timeout: %s", q.pollTimeout)
	}

	q = newRedisQueue(client, RedisConfig{Prefix: "staging:"}, nil)
	if q.RequestsKey() != "staging:requests" {
		t.Errorf("unexpected key: %s", q.RequestsKey())
	}
}

func TestRedisQueueEnqueueFailureIsTransient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	q := newRedisQueue(client, RedisConfig{}, nil)
	defer q.Close()

	err := q.Enqueue(context.Background(), &engine.ExecutionRequest{ExecutionID: "e", WorkflowName: "install"})
	if !engine.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
