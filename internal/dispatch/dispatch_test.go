package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartops/remediator/internal/action"
	"github.com/smartops/remediator/internal/cluster"
)

func fastOpts() []Option {
	return []Option{WithBackoff(time.Millisecond, 5*time.Millisecond)}
}

func newScale(replicas int) action.Request {
	req := action.NewRequest(action.TypeScale,
		action.Target{Kind: "Deployment", Namespace: "smartops", Name: "web"}, "test")
	req.Scale = &action.ScaleParams{Replicas: replicas}
	return req
}

func transientErr() error {
	return cluster.NewError(cluster.KindUnavailable, "scale", "smartops/web", nil)
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	f := cluster.NewFake()
	f.Seed("smartops", "web", 2)
	d := New(f, nil, nil, fastOpts()...)

	attempts, err := d.Execute(context.Background(), newScale(3))

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	dep, _ := f.Get("smartops", "web")
	assert.Equal(t, 3, dep.Replicas)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	// Arrange: two transient failures, then success.
	f := cluster.NewFake()
	f.Seed("smartops", "web", 2)
	f.PushError("scale", transientErr())
	f.PushError("scale", transientErr())
	d := New(f, nil, nil, fastOpts()...)

	// Act
	attempts, err := d.Execute(context.Background(), newScale(3))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	f := cluster.NewFake()
	f.Seed("smartops", "web", 2)
	for i := 0; i < 3; i++ {
		f.PushError("scale", transientErr())
	}
	d := New(f, nil, nil, fastOpts()...)

	attempts, err := d.Execute(context.Background(), newScale(3))

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecutePermanentErrorDoesNotRetry(t *testing.T) {
	f := cluster.NewFake()
	d := New(f, nil, nil, fastOpts()...)

	// No seed: the fake reports not found, which is permanent.
	attempts, err := d.Execute(context.Background(), newScale(3))

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, cluster.IsNotFound(err))
}

func TestExecuteDryRunTouchesNothing(t *testing.T) {
	f := cluster.NewFake()
	f.Seed("smartops", "web", 2)
	d := New(f, nil, nil, fastOpts()...)

	req := newScale(5)
	req.DryRun = true
	attempts, err := d.Execute(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 0, attempts)
	dep, _ := f.Get("smartops", "web")
	assert.Equal(t, 2, dep.Replicas)
}

func TestExecuteRespectsContextCancel(t *testing.T) {
	f := cluster.NewFake()
	f.Seed("smartops", "web", 2)
	for i := 0; i < 3; i++ {
		f.PushError("scale", transientErr())
	}
	d := New(f, nil, nil, WithBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Execute(ctx, newScale(3))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteRestartAndPatch(t *testing.T) {
	ctx := context.Background()
	f := cluster.NewFake()
	f.Seed("smartops", "web", 2)
	d := New(f, nil, nil, fastOpts()...)

	t.Run("restart", func(t *testing.T) {
		req := action.NewRequest(action.TypeRestart,
			action.Target{Kind: "Deployment", Namespace: "smartops", Name: "web"}, "test")
		attempts, err := d.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("patch", func(t *testing.T) {
		req := action.NewRequest(action.TypePatch,
			action.Target{Kind: "Deployment", Namespace: "smartops", Name: "web"}, "test")
		req.Patch = []byte(`{"metadata":{"annotations":{"k":"v"}}}`)
		_, err := d.Execute(ctx, req)
		require.NoError(t, err)
		assert.Len(t, f.Patches("smartops", "web"), 1)
	})
}
