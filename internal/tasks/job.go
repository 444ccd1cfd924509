package tasks

import (
	"context"
	"errors"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/transfer"
)

const (
	ActionCopy = "copy"
	ActionMove = "move"
)

// Endpoint locates one side of a transfer in a form that survives a trip
// through Redis: the provider is rebuilt from its descriptor on the worker.
type Endpoint struct {
	Resource   string              `json:"resource"`
	Descriptor provider.Descriptor `json:"descriptor"`
	Path       string              `json:"path"`
	RootPath   string              `json:"root_path,omitempty"`
}

// Job is an inter-provider transfer request.
type Job struct {
	ID        string                  `json:"id"`
	Action    string                  `json:"action"`
	Source    Endpoint                `json:"source"`
	Dest      Endpoint                `json:"destination"`
	Rename    string                  `json:"rename,omitempty"`
	Conflict  provider.ConflictPolicy `json:"conflict"`
	RequestID string                  `json:"request_id,omitempty"`
}

// Dispatcher hands a job to whatever executes it.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, job Job) (*Future, error)
}

// result is the wire form of a finished job.
type result struct {
	ID      string            `json:"id"`
	Outcome *provider.Outcome `json:"outcome,omitempty"`
	Error   *errorPayload     `json:"error,omitempty"`
}

type errorPayload struct {
	Kind    apierr.Kind       `json:"kind"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Partial *provider.Outcome `json:"partial,omitempty"`
	Source  string            `json:"source,omitempty"`
}

func encodeResult(id string, out provider.Outcome, err error) result {
	if err == nil {
		return result{ID: id, Outcome: &out}
	}
	p := &errorPayload{Kind: apierr.KindOf(err), Code: apierr.StatusOf(err), Message: err.Error()}
	var partial *transfer.PartialMoveError
	if errors.As(err, &partial) {
		p.Partial = &partial.Outcome
		p.Source = partial.Source
		p.Message = partial.Err.Error()
	}
	return result{ID: id, Error: p}
}

func (r result) decode() (provider.Outcome, error) {
	if r.Error == nil {
		if r.Outcome == nil {
			return provider.Outcome{}, errors.New("task result carries neither outcome nor error")
		}
		return *r.Outcome, nil
	}
	if r.Error.Partial != nil {
		return *r.Error.Partial, &transfer.PartialMoveError{
			Outcome: *r.Error.Partial,
			Source:  r.Error.Source,
			Err:     errors.New(r.Error.Message),
		}
	}
	return provider.Outcome{}, apierr.New(r.Error.Kind, r.Error.Code, r.Error.Message)
}
