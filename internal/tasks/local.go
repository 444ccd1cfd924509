package tasks

import (
	"context"

	"github.com/Chapsvision-dev/storage-gateway/internal/metrics"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
)

// LocalDispatcher runs jobs on a goroutine of the current process.
type LocalDispatcher struct {
	Executor *Executor
	Metrics  *metrics.Metrics
}

func NewLocalDispatcher(e *Executor, m *metrics.Metrics) *LocalDispatcher {
	return &LocalDispatcher{Executor: e, Metrics: m}
}

func (d *LocalDispatcher) Name() string { return "local" }

func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) (*Future, error) {
	if d.Metrics != nil {
		d.Metrics.TasksDispatched.WithLabelValues(d.Name()).Inc()
	}
	return Backgrounded(ctx, func(ctx context.Context) (provider.Outcome, error) {
		return d.Executor.Execute(ctx, job)
	}), nil
}
