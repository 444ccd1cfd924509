package movecopy

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/auth"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider/memory"
	"github.com/Chapsvision-dev/storage-gateway/internal/quota"
	"github.com/Chapsvision-dev/storage-gateway/internal/tasks"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// calls counts collaborator and provider calls by name.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *calls) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[name]++
}

func (c *calls) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

type countingAuth struct {
	auth.Handler
	calls *calls
}

func (a countingAuth) Get(ctx context.Context, req auth.Request) (provider.Descriptor, error) {
	a.calls.inc("auth." + string(req.Type))
	return a.Handler.Get(ctx, req)
}

// spy records transfer calls and forwards to a memory provider.
type spy struct {
	provider.Provider
	calls *calls
}

func inner(p provider.Provider) provider.Provider {
	switch s := p.(type) {
	case *spy:
		return s.Provider
	case limitedSpy:
		return s.spy.Provider
	}
	return p
}

func (s *spy) CanIntraCopy(dest provider.Provider, path wbpath.Path) bool {
	return s.Provider.CanIntraCopy(inner(dest), path)
}

func (s *spy) CanIntraMove(dest provider.Provider, path wbpath.Path) bool {
	return s.Provider.CanIntraMove(inner(dest), path)
}

func (s *spy) IntraCopy(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	s.calls.inc(s.Name() + ".intra_copy")
	return s.Provider.IntraCopy(ctx, inner(dest), src, dst, opts)
}

func (s *spy) IntraMove(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	s.calls.inc(s.Name() + ".intra_move")
	return s.Provider.IntraMove(ctx, inner(dest), src, dst, opts)
}

func (s *spy) Upload(ctx context.Context, r io.Reader, size int64, path wbpath.Path) (metadata.Metadata, bool, error) {
	s.calls.inc(s.Name() + ".upload")
	return s.Provider.Upload(ctx, r, size, path)
}

// limitedSpy exposes the quota of a limited memory provider.
type limitedSpy struct{ *spy }

func (l limitedSpy) Quota(ctx context.Context) (provider.QuotaReport, error) {
	l.calls.inc(l.Name() + ".quota")
	return l.spy.Provider.(provider.QuotaReporter).Quota(ctx)
}

func (l limitedSpy) SetRootPath(root string) {
	l.calls.inc(l.Name() + ".set_root:" + root)
	l.spy.Provider.(provider.RootScoped).SetRootPath(root)
}

type countingDispatcher struct {
	tasks.Dispatcher
	calls *calls
}

func (d countingDispatcher) Dispatch(ctx context.Context, job tasks.Job) (*tasks.Future, error) {
	d.calls.inc("dispatch")
	return d.Dispatcher.Dispatch(ctx, job)
}

type harness struct {
	orch   *Orchestrator
	calls  *calls
	stores map[string]*memory.Store
}

// newHarness wires providers "alpha" and "beta" (separate stores), "gamma"
// (shares alpha's store), "capped" (quota 150) and "inst" (addon-routed).
func newHarness(t *testing.T) *harness {
	t.Helper()
	c := &calls{n: map[string]int{}}
	h := &harness{calls: c, stores: map[string]*memory.Store{}}

	storeOf := map[string]string{"alpha": "a", "beta": "b", "gamma": "a", "capped": "c", "inst": "i"}
	descriptors := map[string]provider.Descriptor{}
	for name, store := range storeOf {
		key := t.Name() + "/" + store
		h.stores[name] = memory.Shared(key)
		settings := map[string]any{"store": key}
		if name == "capped" {
			settings["quota_max"] = 150
		}
		descriptors[name] = provider.Descriptor{Settings: settings}
	}

	reg := provider.NewRegistry()
	for name := range storeOf {
		reg.Register(name, func(ctx context.Context, d provider.Descriptor) (provider.Provider, error) {
			c.inc("build." + d.Name)
			p, err := memory.New(ctx, d)
			if err != nil {
				return nil, err
			}
			s := &spy{Provider: p, calls: c}
			if _, ok := p.(provider.QuotaReporter); ok {
				return limitedSpy{s}, nil
			}
			return s, nil
		})
	}

	h.orch = &Orchestrator{
		Auth:            countingAuth{Handler: auth.NewStaticHandler(descriptors), calls: c},
		Registry:        reg,
		Addons:          provider.ParseAddonSet("inst"),
		Guard:           quota.NewGuard(2, nil),
		Dispatcher:      countingDispatcher{Dispatcher: tasks.NewLocalDispatcher(tasks.NewExecutor(reg, nil), nil), calls: c},
		DefaultConflict: provider.ConflictReplace,
		Background:      true,
	}
	return h
}

func (h *harness) noCollaboratorCalls(t *testing.T) {
	t.Helper()
	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	assert.Empty(t, h.calls.n)
}

func TestExecute_RejectsBeforeAnyCall(t *testing.T) {
	cases := map[string]struct {
		src Source
		req Request
	}{
		"unknown action":        {Source{Provider: "alpha", Path: "/a.txt"}, Request{Action: "delete", Path: "/"}},
		"rename without name":   {Source{Provider: "alpha", Path: "/a.txt"}, Request{Action: "rename"}},
		"missing path":          {Source{Provider: "alpha", Path: "/a.txt"}, Request{Action: "copy"}},
		"no trailing slash":     {Source{Provider: "alpha", Path: "/a.txt"}, Request{Action: "copy", Path: "/folder"}},
		"copy root":             {Source{Provider: "alpha", Path: "/"}, Request{Action: "copy", Path: "/dst/"}},
		"copy addon root":       {Source{Provider: "inst", Path: "/inst1/"}, Request{Action: "copy", Path: "/dst/"}},
		"bad conflict":          {Source{Provider: "alpha", Path: "/a.txt"}, Request{Action: "copy", Path: "/", Conflict: "merge"}},
		"move missing path too": {Source{Provider: "alpha", Path: "/a.txt"}, Request{Action: "move", Path: ""}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.orch.Execute(context.Background(), tc.src, tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, apierr.ErrInvalidParameters)
			assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))
			h.noCollaboratorCalls(t)
		})
	}
}

func TestExecute_CopyRootWithRename(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/a.txt", []byte("a"))
	h.stores["beta"].Mkdir("/backup/")

	res, err := h.orch.Execute(context.Background(),
		Source{Resource: "r1", Provider: "alpha", Path: "/"},
		Request{Action: "copy", Path: "/backup/", Provider: "beta", Rename: "snapshot"})
	require.NoError(t, err)
	assert.Equal(t, "/backup/snapshot/", res.Metadata.Path)
	assert.True(t, h.stores["beta"].Has("/backup/snapshot/a.txt"))
}

func TestExecute_Rename(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/docs/old.txt", []byte("x"))

	res, err := h.orch.Execute(context.Background(),
		Source{Resource: "r1", Provider: "alpha", Path: "/docs/old.txt"},
		Request{Action: "rename", Rename: "new.txt", Provider: "beta", Resource: "elsewhere", Path: "/ignored/"})
	require.NoError(t, err)

	assert.Equal(t, "/docs/new.txt", res.Metadata.Path)
	assert.Equal(t, "r1", res.Resource)
	assert.Equal(t, StrategyIntra, res.Strategy)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.False(t, h.stores["alpha"].Has("/docs/old.txt"))
	assert.True(t, h.stores["alpha"].Has("/docs/new.txt"))

	assert.Equal(t, 1, h.calls.get("auth.source"))
	assert.Equal(t, 0, h.calls.get("auth.destination"))
	assert.Equal(t, 0, h.calls.get("build.beta"))
	assert.Equal(t, 1, h.calls.get("alpha.intra_move"))
}

func TestExecute_IntraCopyRunsOnce(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/src/a.txt", []byte("abc"))
	h.stores["alpha"].Mkdir("/dst/")

	res, err := h.orch.Execute(context.Background(),
		Source{Resource: "r1", Provider: "alpha", Path: "/src/a.txt"},
		Request{Action: "copy", Path: "/dst/", Provider: "gamma"})
	require.NoError(t, err)

	assert.Equal(t, StrategyIntra, res.Strategy)
	assert.Equal(t, "/dst/a.txt", res.Metadata.Path)
	assert.Equal(t, 1, h.calls.get("alpha.intra_copy"))
	assert.Equal(t, 0, h.calls.get("dispatch"))
	assert.Equal(t, 0, h.calls.get("gamma.upload"))
}

func TestExecute_InterMove(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/src/a.txt", []byte("abc"))
	h.stores["beta"].Put("/dst/a.txt", []byte("old"))

	res, err := h.orch.Execute(context.Background(),
		Source{Resource: "r1", Provider: "alpha", Path: "/src/a.txt"},
		Request{Action: "move", Path: "/dst/", Provider: "beta", Resource: "r2"})
	require.NoError(t, err)

	assert.Equal(t, StrategyInter, res.Strategy)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.False(t, res.Created)
	assert.Equal(t, "r2", res.Resource)
	assert.Equal(t, 1, h.calls.get("dispatch"))
	assert.False(t, h.stores["alpha"].Has("/src/a.txt"))
	got, _ := h.stores["beta"].Get("/dst/a.txt")
	assert.Equal(t, "abc", string(got))
}

func TestExecute_ConflictFromRequest(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/a.txt", []byte("new"))
	h.stores["beta"].Put("/a.txt", []byte("old"))

	_, err := h.orch.Execute(context.Background(),
		Source{Provider: "alpha", Path: "/a.txt"},
		Request{Action: "copy", Path: "/", Provider: "beta", Conflict: "fail"})
	assert.ErrorIs(t, err, apierr.ErrConflict)

	res, err := h.orch.Execute(context.Background(),
		Source{Provider: "alpha", Path: "/a.txt"},
		Request{Action: "copy", Path: "/", Provider: "beta", Conflict: "keep"})
	require.NoError(t, err)
	assert.Equal(t, "/a (1).txt", res.Metadata.Path)
	assert.Equal(t, http.StatusCreated, res.Status)
}

func TestExecute_QuotaRejectedBeforeWrites(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/big.bin", make([]byte, 60))
	h.stores["capped"].Put("/existing.bin", make([]byte, 100))

	_, err := h.orch.Execute(context.Background(),
		Source{Provider: "alpha", Path: "/big.bin"},
		Request{Action: "copy", Path: "/", Provider: "capped"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrInsufficientQuota)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apierr.StatusOf(err))

	assert.Equal(t, 1, h.calls.get("capped.quota"))
	assert.Equal(t, 0, h.calls.get("capped.upload"))
	assert.Equal(t, 0, h.calls.get("dispatch"))
	assert.False(t, h.stores["capped"].Has("/big.bin"))
}

func TestExecute_QuotaUsesSizeHint(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/small.bin", make([]byte, 10))

	hint := int64(500)
	_, err := h.orch.Execute(context.Background(),
		Source{Provider: "alpha", Path: "/small.bin"},
		Request{Action: "copy", Path: "/", Provider: "capped", Size: &hint})
	assert.ErrorIs(t, err, apierr.ErrInsufficientQuota)
}

func TestExecute_QuotaSetsRootBeforeQuery(t *testing.T) {
	h := newHarness(t)
	h.stores["alpha"].Put("/f", make([]byte, 10))
	h.stores["capped"].Mkdir("/proj9/")

	_, err := h.orch.Execute(context.Background(),
		Source{Provider: "alpha", Path: "/f"},
		Request{Action: "copy", Path: "/proj9/", Provider: "capped"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.calls.get("capped.set_root:proj9"))
}

func TestExecute_AddonRoots(t *testing.T) {
	h := newHarness(t)
	h.stores["inst"].Put("/docs/a.txt", []byte("abc"))
	h.stores["beta"].Mkdir("/out/")

	// Source root is stripped before the backend sees the path.
	res, err := h.orch.Execute(context.Background(),
		Source{Provider: "inst", Path: "/inst1/docs/a.txt"},
		Request{Action: "copy", Path: "/out/", Provider: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "/out/a.txt", res.Metadata.Path)
	assert.Empty(t, res.Metadata.RootPath)

	// Destination root is stripped and echoed on the response.
	h.stores["beta"].Put("/b.txt", []byte("b"))
	res, err = h.orch.Execute(context.Background(),
		Source{Provider: "beta", Path: "/b.txt"},
		Request{Action: "copy", Path: "/inst2/docs/", Provider: "inst"})
	require.NoError(t, err)
	assert.Equal(t, "/docs/b.txt", res.Metadata.Path)
	assert.Equal(t, "inst2", res.Metadata.RootPath)
	assert.True(t, h.stores["inst"].Has("/docs/b.txt"))
}

func TestExecute_UnknownProvider(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Execute(context.Background(),
		Source{Provider: "nowhere", Path: "/a"},
		Request{Action: "copy", Path: "/"})
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestExecute_MissingSource(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Execute(context.Background(),
		Source{Provider: "alpha", Path: "/missing.txt"},
		Request{Action: "copy", Path: "/", Provider: "beta"})
	require.Error(t, err)
	assert.Equal(t, 0, h.calls.get("beta.upload"))
}

// noIntra hides native transfers so every request goes through the dispatcher.
type noIntra struct{ provider.Provider }

func (noIntra) CanIntraCopy(provider.Provider, wbpath.Path) bool { return false }
func (noIntra) CanIntraMove(provider.Provider, wbpath.Path) bool { return false }

func TestExecute_FolderIntoItselfRejectedBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	key := t.Name() + "/solo"
	store := memory.Shared(key)
	store.Put("/a/x.txt", []byte("x"))
	store.Mkdir("/a/b/")

	h.orch.Registry.Register("solo", func(ctx context.Context, d provider.Descriptor) (provider.Provider, error) {
		p, err := memory.New(ctx, d)
		if err != nil {
			return nil, err
		}
		return noIntra{p}, nil
	})
	h.orch.Auth = auth.NewStaticHandler(map[string]provider.Descriptor{
		"solo": {Settings: map[string]any{"store": key}},
	})

	for _, req := range []Request{
		{Action: "move", Path: "/a/b/"},
		{Action: "copy", Path: "/a/b/"},
		{Action: "copy", Path: "/a/", Rename: "a2"},
	} {
		_, err := h.orch.Execute(context.Background(), Source{Provider: "solo", Path: "/a/"}, req)
		require.Error(t, err, req.Action+" "+req.Path)
		assert.ErrorIs(t, err, apierr.ErrConflict)
		assert.Equal(t, http.StatusConflict, apierr.StatusOf(err))
	}
	assert.Equal(t, 0, h.calls.get("dispatch"))
	assert.False(t, store.Has("/a/b/a/"))
	assert.True(t, store.Has("/a/x.txt"))

	// A sibling destination on the same storage still goes through.
	store.Mkdir("/c/")
	res, err := h.orch.Execute(context.Background(), Source{Provider: "solo", Path: "/a/"}, Request{Action: "copy", Path: "/c/"})
	require.NoError(t, err)
	assert.Equal(t, StrategyInter, res.Strategy)
	assert.Equal(t, 1, h.calls.get("dispatch"))
	assert.True(t, store.Has("/c/a/x.txt"))
	assert.True(t, store.Has("/c/a/b/"))
}
