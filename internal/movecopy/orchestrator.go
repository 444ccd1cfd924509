// Package movecopy drives one move, copy or rename request from raw client
// input to a finished transfer: it resolves both endpoints, applies the addon
// root rewriting, enforces the destination quota and picks between a native
// intra-provider call and the generic transfer.
package movecopy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/auth"
	"github.com/Chapsvision-dev/storage-gateway/internal/logx"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/metrics"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/quota"
	"github.com/Chapsvision-dev/storage-gateway/internal/tasks"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

const (
	ActionCopy   = "copy"
	ActionMove   = "move"
	ActionRename = "rename"
)

const (
	StrategyIntra = "intra"
	StrategyInter = "inter"
)

// Source is the entry the request was addressed to.
type Source struct {
	Resource  string
	Provider  string
	Path      string
	Version   string
	Header    http.Header
	RequestID string
}

// Request is the decoded client body.
type Request struct {
	Action   string `json:"action"`
	Path     string `json:"path"`
	Rename   string `json:"rename"`
	Provider string `json:"provider"`
	Resource string `json:"resource"`
	Conflict string `json:"conflict"`
	Size     *int64 `json:"size"`
}

// Result is a finished transfer. Status is 201 when the destination entry
// was created, 200 when an existing one was replaced.
type Result struct {
	Metadata metadata.Metadata
	Created  bool
	Status   int
	Resource string
	Strategy string
}

type Orchestrator struct {
	Auth            auth.Handler
	Registry        *provider.Registry
	Addons          provider.AddonSet
	Guard           *quota.Guard
	Dispatcher      tasks.Dispatcher
	DefaultConflict provider.ConflictPolicy
	Metrics         *metrics.Metrics
	// Background runs intra-provider calls on a detached goroutine so a
	// disconnecting client does not abort them.
	Background bool
}

// endpoint is one resolved side of the transfer.
type endpoint struct {
	resource   string
	name       string
	descriptor provider.Descriptor
	provider   provider.Provider
	path       wbpath.Path
	root       string
}

func (o *Orchestrator) Execute(ctx context.Context, src Source, req Request) (res Result, err error) {
	start := time.Now()
	lg := logx.From(ctx).With().Str("action", "movecopy").Str("op", req.Action).Logger()
	action := strings.ToLower(strings.TrimSpace(req.Action))
	defer func() {
		status := "ok"
		if err != nil {
			status = string(apierr.KindOf(err))
		}
		o.Metrics.ObserveRequest(action, res.Strategy, status, time.Since(start))
	}()

	// ResolvingAction
	providerAction, err := resolveAction(action, req)
	if err != nil {
		return Result{}, failed(lg, "resolve_action", err)
	}
	conflict, err := provider.ParseConflict(req.Conflict, o.defaultConflict())
	if err != nil {
		return Result{}, failed(lg, "resolve_action", err)
	}

	// Everything checkable on the raw input is checked before auth or
	// provider calls.
	srcRaw, srcRoot := src.Path, ""
	if o.Addons.Contains(src.Provider) {
		srcRoot, srcRaw = wbpath.SplitAddonRoot(src.Path)
	}
	if action != ActionRename {
		if req.Path == "" {
			return Result{}, failed(lg, "resolve_destination", apierr.InvalidParameters(`"path" field is required for moves or copies`))
		}
		if !strings.HasSuffix(req.Path, wbpath.Separator) {
			return Result{}, failed(lg, "resolve_destination", apierr.InvalidParameters(`"path" field requires a trailing slash to indicate it is a folder`))
		}
		if action == ActionCopy && req.Rename == "" && srcRaw == wbpath.Separator {
			return Result{}, failed(lg, "resolve_destination", apierr.InvalidParameters("can not copy the root folder without a new name"))
		}
	}

	// ResolvingSourcePath
	source, err := o.resolve(ctx, auth.Request{
		Resource: src.Resource, Provider: src.Provider, Action: providerAction,
		Type: auth.TypeSource, Path: src.Path, Version: src.Version, Header: src.Header,
	}, srcRaw, srcRoot)
	if err != nil {
		return Result{}, failed(lg, "resolve_source", err)
	}
	lg.Debug().Str("stage", "resolve_source").Str("provider", source.name).Str("path", source.path.String()).Msg("source resolved")

	// ResolvingDestination
	var dest endpoint
	if action == ActionRename {
		dest = source
		dest.path = source.path.Parent()
	} else {
		dest, err = o.resolveDestination(ctx, src, req, providerAction)
		if err != nil {
			return Result{}, failed(lg, "resolve_destination", err)
		}
	}
	lg.Debug().Str("stage", "resolve_destination").Str("provider", dest.name).Str("path", dest.path.String()).Msg("destination resolved")

	if action != ActionRename && intoItself(source, dest) {
		return Result{}, failed(lg, "resolve_destination",
			apierr.Conflict("cannot %s folder %s into itself", providerAction, source.path))
	}

	// CheckingQuota
	if action != ActionRename {
		if rs, ok := dest.provider.(provider.RootScoped); ok {
			rs.SetRootPath(dest.root)
		}
		if err := o.guard().Enforce(ctx, source.provider, source.path, dest.provider, req.Size); err != nil {
			return Result{}, failed(lg, "check_quota", err)
		}
	}

	// SelectingStrategy
	opts := provider.TransferOptions{Conflict: conflict, Rename: req.Rename}
	var intra bool
	switch providerAction {
	case ActionCopy:
		intra = source.provider.CanIntraCopy(dest.provider, source.path)
	case ActionMove:
		intra = source.provider.CanIntraMove(dest.provider, source.path)
	}
	res.Strategy = StrategyInter
	if intra {
		res.Strategy = StrategyIntra
	}
	lg.Debug().Str("stage", "select_strategy").Str("strategy", res.Strategy).Msg("strategy selected")

	// Executing
	var out provider.Outcome
	if intra {
		out, err = tasks.Run(ctx, func(ctx context.Context) (provider.Outcome, error) {
			if providerAction == ActionCopy {
				return source.provider.IntraCopy(ctx, dest.provider, source.path, dest.path, opts)
			}
			return source.provider.IntraMove(ctx, dest.provider, source.path, dest.path, opts)
		}, o.Background)
	} else {
		out, err = o.dispatch(ctx, src, providerAction, source, dest, opts)
	}
	if err != nil {
		return Result{Strategy: res.Strategy}, failed(lg, "execute", err)
	}

	// Completed
	m := out.Metadata
	if o.Addons.Contains(dest.name) {
		m = m.WithRootPath(dest.root)
	}
	res.Metadata = m
	res.Created = out.Created
	res.Resource = dest.resource
	res.Status = http.StatusOK
	if out.Created {
		res.Status = http.StatusCreated
	}

	lg.Info().Str("stage", "completed").Str("strategy", res.Strategy).
		Str("from", source.name+":"+source.path.String()).Str("to", dest.name+":"+m.Path).
		Int("status", res.Status).Dur("elapsed_ms", time.Since(start)).Msg("movecopy completed")
	return res, nil
}

func resolveAction(action string, req Request) (string, error) {
	switch action {
	case ActionCopy, ActionMove:
		return action, nil
	case ActionRename:
		if req.Rename == "" {
			return "", apierr.InvalidParameters(`"rename" field is required for renaming`)
		}
		return ActionMove, nil
	default:
		return "", apierr.InvalidParameters("auth action must be one of copy, move or rename, not %q", req.Action)
	}
}

func (o *Orchestrator) resolveDestination(ctx context.Context, src Source, req Request, providerAction string) (endpoint, error) {
	resource := req.Resource
	if resource == "" {
		resource = src.Resource
	}
	name := req.Provider
	if name == "" {
		name = src.Provider
	}

	raw, root := req.Path, wbpath.FirstSegment(req.Path)
	if o.Addons.Contains(name) {
		root, raw = wbpath.SplitAddonRoot(req.Path)
	}
	return o.resolve(ctx, auth.Request{
		Resource: resource, Provider: name, Action: providerAction,
		Type: auth.TypeDestination, Path: req.Path, Header: src.Header,
	}, raw, root)
}

// resolve authorizes one side, builds its provider and validates raw.
func (o *Orchestrator) resolve(ctx context.Context, ar auth.Request, raw, root string) (endpoint, error) {
	desc, err := o.Auth.Get(ctx, ar)
	if err != nil {
		return endpoint{}, err
	}
	if desc.Name == "" {
		desc.Name = ar.Provider
	}
	p, err := o.Registry.New(ctx, desc)
	if errors.Is(err, provider.ErrUnknownProvider) {
		return endpoint{}, apierr.NotFound("%v", err)
	}
	if err != nil {
		return endpoint{}, apierr.Provider(ar.Provider, err)
	}
	path, err := p.ValidatePath(ctx, raw, nil)
	if err != nil {
		return endpoint{}, err
	}
	ep := endpoint{resource: ar.Resource, name: ar.Provider, descriptor: desc, provider: p, path: path, root: root}
	if o.Addons.Contains(ar.Provider) {
		ep.path = path.WithRoot(root)
	}
	return ep, nil
}

// intoItself reports a folder transfer whose destination lies inside the
// source on the same storage. Provider instances are rebuilt per side, so
// this is decided on resource, provider name and path.
func intoItself(src, dst endpoint) bool {
	if src.resource != dst.resource || src.name != dst.name || !src.path.IsFolder() {
		return false
	}
	if src.path.RootPath() != dst.path.RootPath() {
		return false
	}
	return src.path.Equal(dst.path) || src.path.IsAncestorOf(dst.path)
}

func (o *Orchestrator) dispatch(ctx context.Context, src Source, action string, source, dest endpoint, opts provider.TransferOptions) (provider.Outcome, error) {
	job := tasks.Job{
		Action: action,
		Source: tasks.Endpoint{
			Resource: source.resource, Descriptor: source.descriptor,
			Path: source.path.String(), RootPath: source.path.RootPath(),
		},
		Dest: tasks.Endpoint{
			Resource: dest.resource, Descriptor: dest.descriptor,
			Path: dest.path.String(), RootPath: dest.root,
		},
		Rename:    opts.Rename,
		Conflict:  opts.Conflict,
		RequestID: src.RequestID,
	}
	f, err := o.Dispatcher.Dispatch(ctx, job)
	if err != nil {
		return provider.Outcome{}, err
	}
	return f.Wait(ctx)
}

func (o *Orchestrator) defaultConflict() provider.ConflictPolicy {
	if o.DefaultConflict == "" {
		return provider.ConflictReplace
	}
	return o.DefaultConflict
}

func (o *Orchestrator) guard() *quota.Guard {
	if o.Guard == nil {
		return quota.NewGuard(1, o.Metrics)
	}
	return o.Guard
}

func failed(lg zerolog.Logger, stage string, err error) error {
	ev := lg.Warn()
	if apierr.StatusOf(err) >= http.StatusInternalServerError {
		ev = lg.Error()
	}
	ev.Err(err).Str("stage", stage).Str("kind", string(apierr.KindOf(err))).Msg("movecopy failed")
	return err
}
