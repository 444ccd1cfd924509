package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metrics"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/transfer"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// Executor rebuilds both providers of a job and runs the generic transfer.
type Executor struct {
	Registry *provider.Registry
	Metrics  *metrics.Metrics
}

func NewExecutor(reg *provider.Registry, m *metrics.Metrics) *Executor {
	if reg == nil {
		reg = provider.Default
	}
	return &Executor{Registry: reg, Metrics: m}
}

func (e *Executor) Execute(ctx context.Context, job Job) (provider.Outcome, error) {
	start := time.Now()
	src, srcPath, err := e.open(ctx, job.Source)
	if err != nil {
		return provider.Outcome{}, fmt.Errorf("source: %w", err)
	}
	dst, dstPath, err := e.open(ctx, job.Dest)
	if err != nil {
		return provider.Outcome{}, fmt.Errorf("destination: %w", err)
	}
	if !dstPath.IsFolder() {
		return provider.Outcome{}, apierr.InvalidPath("destination %s is not a folder", dstPath)
	}

	opts := transfer.Options{Conflict: job.Conflict, Rename: job.Rename, Metrics: e.Metrics}
	var out provider.Outcome
	switch job.Action {
	case ActionCopy:
		out, err = transfer.Copy(ctx, src, srcPath, dst, dstPath, opts)
	case ActionMove:
		out, err = transfer.Move(ctx, src, srcPath, dst, dstPath, opts)
	default:
		return provider.Outcome{}, apierr.InvalidParameters("unsupported task action %q", job.Action)
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("action", "task").Str("task_id", job.ID).Str("op", job.Action).
		Str("request_id", job.RequestID).Dur("elapsed_ms", time.Since(start)).Msg("task finished")
	return out, err
}

func (e *Executor) open(ctx context.Context, ep Endpoint) (provider.Provider, wbpath.Path, error) {
	p, err := e.Registry.New(ctx, ep.Descriptor)
	if err != nil {
		return nil, wbpath.Path{}, err
	}
	if rs, ok := p.(provider.RootScoped); ok && ep.RootPath != "" {
		rs.SetRootPath(ep.RootPath)
	}
	path, err := p.ValidatePath(ctx, ep.Path, nil)
	if err != nil {
		return nil, wbpath.Path{}, err
	}
	return p, path.WithRoot(ep.RootPath), nil
}
