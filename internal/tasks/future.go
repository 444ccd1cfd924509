// Package tasks runs transfers in the background, either in-process or on a
// worker reached through Redis, and hands back a Future to wait on.
package tasks

import (
	"context"
	"fmt"

	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
)

// StrategyFunc is one unit of transfer work.
type StrategyFunc func(ctx context.Context) (provider.Outcome, error)

// Future is the pending result of a backgrounded transfer.
type Future struct {
	done chan struct{}
	out  provider.Outcome
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(out provider.Outcome, err error) {
	f.out, f.err = out, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the transfer finishes or ctx is done. Giving up on ctx
// does not stop the transfer.
func (f *Future) Wait(ctx context.Context) (provider.Outcome, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return provider.Outcome{}, ctx.Err()
	}
}

// Backgrounded starts fn on its own goroutine, detached from ctx cancellation.
func Backgrounded(ctx context.Context, fn StrategyFunc) *Future {
	f := newFuture()
	bg := context.WithoutCancel(ctx)
	go func() {
		var (
			out provider.Outcome
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("transfer panicked: %v", r)
			}
			f.resolve(out, err)
		}()
		out, err = fn(bg)
	}()
	return f
}

// Run executes fn inline, or backgrounded and waited on. Both paths return
// the same outcome and error.
func Run(ctx context.Context, fn StrategyFunc, background bool) (provider.Outcome, error) {
	if !background {
		return fn(ctx)
	}
	return Backgrounded(ctx, fn).Wait(ctx)
}
