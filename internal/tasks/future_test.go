package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
)

func TestRun_SameContractInlineAndBackground(t *testing.T) {
	want := provider.Outcome{Metadata: metadata.Metadata{Path: "/x"}, Created: true}
	ok := func(context.Context) (provider.Outcome, error) { return want, nil }
	boom := errors.New("boom")
	fail := func(context.Context) (provider.Outcome, error) { return provider.Outcome{}, boom }

	for _, bg := range []bool{false, true} {
		out, err := Run(context.Background(), ok, bg)
		require.NoError(t, err)
		assert.Equal(t, want, out)

		_, err = Run(context.Background(), fail, bg)
		assert.ErrorIs(t, err, boom)
	}
}

func TestBackgrounded_SurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var sawCancel bool

	f := Backgrounded(ctx, func(ctx context.Context) (provider.Outcome, error) {
		<-release
		sawCancel = ctx.Err() != nil
		return provider.Outcome{Created: true}, nil
	})

	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("background work did not finish")
	}
	out, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.False(t, sawCancel)
}

func TestBackgrounded_RecoversPanic(t *testing.T) {
	f := Backgrounded(context.Background(), func(context.Context) (provider.Outcome, error) {
		panic("bad provider")
	})
	_, err := f.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad provider")
}
