package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider/memory"
	"github.com/Chapsvision-dev/storage-gateway/internal/transfer"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// undeletable is a memory provider whose deletes always fail.
type undeletable struct{ provider.Provider }

func (undeletable) Delete(context.Context, wbpath.Path) error { return errors.New("read-only") }

func testRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(memory.Name, memory.New)
	reg.Register("readonly", func(ctx context.Context, d provider.Descriptor) (provider.Provider, error) {
		p, err := memory.New(ctx, d)
		return undeletable{p}, err
	})
	return reg
}

func endpoint(name, store, path string) Endpoint {
	return Endpoint{
		Resource:   "abc12",
		Descriptor: provider.Descriptor{Name: name, Settings: map[string]any{"store": store}},
		Path:       path,
	}
}

type dispatcherCase struct {
	name  string
	setup func(t *testing.T) Dispatcher
}

func dispatchers() []dispatcherCase {
	return []dispatcherCase{
		{"local", func(t *testing.T) Dispatcher {
			return NewLocalDispatcher(NewExecutor(testRegistry(), nil), nil)
		}},
		{"redis", func(t *testing.T) Dispatcher {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			w := NewWorker(client, "test:transfers", time.Minute, NewExecutor(testRegistry(), nil))
			go func() {
				defer close(done)
				_ = w.Run(ctx)
			}()
			t.Cleanup(func() {
				cancel()
				<-done
			})
			return NewRedisDispatcher(client, "test:transfers", 10*time.Second, nil)
		}},
	}
}

func TestDispatch_Copy(t *testing.T) {
	for _, dc := range dispatchers() {
		t.Run(dc.name, func(t *testing.T) {
			src, dst := t.Name()+"/src", t.Name()+"/dst"
			memory.Shared(src).Put("/data/a.txt", []byte("payload"))
			memory.Shared(dst).Mkdir("/in/")

			d := dc.setup(t)
			f, err := d.Dispatch(context.Background(), Job{
				Action:   ActionCopy,
				Source:   endpoint(memory.Name, src, "/data/a.txt"),
				Dest:     endpoint(memory.Name, dst, "/in/"),
				Conflict: provider.ConflictReplace,
			})
			require.NoError(t, err)

			out, err := f.Wait(context.Background())
			require.NoError(t, err)
			assert.True(t, out.Created)
			assert.Equal(t, "/in/a.txt", out.Metadata.Path)
			got, ok := memory.Shared(dst).Get("/in/a.txt")
			require.True(t, ok)
			assert.Equal(t, "payload", string(got))
		})
	}
}

func TestDispatch_ErrorsSurfaceIdentically(t *testing.T) {
	for _, dc := range dispatchers() {
		t.Run(dc.name, func(t *testing.T) {
			src, dst := t.Name()+"/src", t.Name()+"/dst"
			memory.Shared(src).Put("/a.txt", []byte("new"))
			memory.Shared(dst).Put("/a.txt", []byte("old"))

			d := dc.setup(t)
			f, err := d.Dispatch(context.Background(), Job{
				Action:   ActionCopy,
				Source:   endpoint(memory.Name, src, "/a.txt"),
				Dest:     endpoint(memory.Name, dst, "/"),
				Conflict: provider.ConflictFail,
			})
			require.NoError(t, err)

			_, err = f.Wait(context.Background())
			assert.ErrorIs(t, err, apierr.ErrConflict)
			assert.Equal(t, 409, apierr.StatusOf(err))
		})
	}
}

func TestDispatch_PartialMove(t *testing.T) {
	for _, dc := range dispatchers() {
		t.Run(dc.name, func(t *testing.T) {
			src, dst := t.Name()+"/src", t.Name()+"/dst"
			memory.Shared(src).Put("/m.txt", []byte("m"))

			d := dc.setup(t)
			f, err := d.Dispatch(context.Background(), Job{
				Action:   ActionMove,
				Source:   endpoint("readonly", src, "/m.txt"),
				Dest:     endpoint(memory.Name, dst, "/"),
				Conflict: provider.ConflictReplace,
			})
			require.NoError(t, err)

			_, err = f.Wait(context.Background())
			var partial *transfer.PartialMoveError
			require.ErrorAs(t, err, &partial)
			assert.Equal(t, "/m.txt", partial.Outcome.Metadata.Path)
			assert.Contains(t, err.Error(), "read-only")
			assert.Equal(t, 500, apierr.StatusOf(err))
		})
	}
}

func TestRedisDispatcher_TimesOutWithoutWorker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDispatcher(client, "idle:transfers", time.Second, nil)
	f, err := d.Dispatch(context.Background(), Job{ID: "fixed-id", Action: ActionCopy})
	require.NoError(t, err)

	queued, err := client.LLen(context.Background(), "idle:transfers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, apierr.ErrProvider)
	assert.Contains(t, err.Error(), "fixed-id")
}

func TestResultKey(t *testing.T) {
	assert.Equal(t, "q:result:42", ResultKey("q", "42"))
}
