package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metrics"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
)

// RedisDispatcher queues jobs on a Redis list consumed by Worker and waits
// for the result on a per-job key.
type RedisDispatcher struct {
	Client  *redis.Client
	Queue   string
	Timeout time.Duration
	Metrics *metrics.Metrics
}

func NewRedisDispatcher(client *redis.Client, queue string, timeout time.Duration, m *metrics.Metrics) *RedisDispatcher {
	return &RedisDispatcher{Client: client, Queue: queue, Timeout: timeout, Metrics: m}
}

func (d *RedisDispatcher) Name() string { return "redis" }

// ResultKey is the list a worker pushes the result of job id onto.
func ResultKey(queue, id string) string { return queue + ":result:" + id }

func (d *RedisDispatcher) Dispatch(ctx context.Context, job Job) (*Future, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := d.Client.RPush(ctx, d.Queue, payload).Err(); err != nil {
		return nil, apierr.Provider("redis", fmt.Errorf("failed to queue job: %w", err))
	}
	if d.Metrics != nil {
		d.Metrics.TasksDispatched.WithLabelValues(d.Name()).Inc()
	}
	log.Info().Str("action", "dispatch").Str("task_id", job.ID).Str("queue", d.Queue).
		Str("op", job.Action).Msg("transfer queued")

	return Backgrounded(ctx, func(ctx context.Context) (provider.Outcome, error) {
		return d.await(ctx, job.ID)
	}), nil
}

func (d *RedisDispatcher) await(ctx context.Context, id string) (provider.Outcome, error) {
	res, err := d.Client.BLPop(ctx, d.Timeout, ResultKey(d.Queue, id)).Result()
	if errors.Is(err, redis.Nil) {
		return provider.Outcome{}, apierr.Provider("redis", fmt.Errorf("task %s: no result after %s", id, d.Timeout))
	}
	if err != nil {
		return provider.Outcome{}, apierr.Provider("redis", fmt.Errorf("task %s: %w", id, err))
	}
	// BLPOP replies with [key, value].
	var r result
	if err := json.Unmarshal([]byte(res[1]), &r); err != nil {
		return provider.Outcome{}, fmt.Errorf("failed to unmarshal result of task %s: %w", id, err)
	}
	return r.decode()
}
