package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
)

// Worker consumes jobs queued by RedisDispatcher.
type Worker struct {
	Client    *redis.Client
	Queue     string
	ResultTTL time.Duration
	Executor  *Executor
	// PollTimeout bounds each BLPOP so cancellation is noticed; Redis
	// rounds it up to whole seconds.
	PollTimeout time.Duration
	Retry       retry.Options
}

func NewWorker(client *redis.Client, queue string, resultTTL time.Duration, e *Executor) *Worker {
	return &Worker{
		Client:      client,
		Queue:       queue,
		ResultTTL:   resultTTL,
		Executor:    e,
		PollTimeout: time.Second,
		Retry:       retry.Default,
	}
}

// Run processes jobs until ctx is cancelled. A job already started is
// finished and its result published before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Str("action", "worker").Str("queue", w.Queue).Msg("worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Str("action", "worker").Msg("worker stopped")
			return nil
		}
		res, err := w.Client.BLPop(ctx, w.PollTimeout, w.Queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn().Err(err).Str("action", "worker").Msg("poll failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.PollTimeout):
			}
			continue
		}
		w.handle(context.WithoutCancel(ctx), res[1])
	}
}

func (w *Worker) handle(ctx context.Context, payload string) {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		log.Error().Err(err).Str("action", "worker").Msg("dropping malformed job")
		return
	}
	out, err := w.Executor.Execute(ctx, job)
	if perr := w.publish(ctx, encodeResult(job.ID, out, err)); perr != nil {
		log.Error().Err(perr).Str("action", "worker").Str("task_id", job.ID).Msg("failed to publish result")
	}
}

func (w *Worker) publish(ctx context.Context, r result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	key := ResultKey(w.Queue, r.ID)
	return retry.Do(ctx, w.Retry, retry.IsTransient, func(ctx context.Context) error {
		_, err := w.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, body)
			pipe.Expire(ctx, key, w.ResultTTL)
			return nil
		})
		return err
	})
}
