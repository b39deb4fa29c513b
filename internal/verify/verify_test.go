package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartops/remediator/internal/cluster"
)

const (
	fastPoll    = 5 * time.Millisecond
	fastTimeout = 200 * time.Millisecond
)

func TestVerifyConvergedImmediately(t *testing.T) {
	f := cluster.NewFake()
	f.Seed("smartops", "web", 3)
	v := New(f, nil, fastPoll, fastTimeout)

	res := v.Verify(context.Background(), "smartops", "web", 3, 0, 0)

	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 1, res.Polls)
	assert.Equal(t, 3, res.Observed.Ready)
}

func TestVerifyConvergesAfterLag(t *testing.T) {
	// Arrange: rollout needs two polls before readiness catches up.
	f := cluster.NewFake()
	f.Lag = 2
	f.Seed("smartops", "web", 2)
	require.NoError(t, f.Scale(context.Background(), "smartops", "web", 4))
	v := New(f, nil, fastPoll, fastTimeout)

	// Act
	res := v.Verify(context.Background(), "smartops", "web", 4, 0, 0)

	// Assert
	assert.Equal(t, StateSuccess, res.State)
	assert.GreaterOrEqual(t, res.Polls, 3)
}

func TestVerifyTimesOut(t *testing.T) {
	// A huge lag keeps the deployment behind past the timeout.
	f := cluster.NewFake()
	f.Lag = 1 << 20
	f.Seed("smartops", "web", 2)
	require.NoError(t, f.Scale(context.Background(), "smartops", "web", 4))
	v := New(f, nil, fastPoll, 50*time.Millisecond)

	res := v.Verify(context.Background(), "smartops", "web", 4, 0, 0)

	assert.Equal(t, StateTimedOut, res.State)
	// The partial observation is still reported.
	assert.Equal(t, 4, res.Observed.Desired)
	assert.Equal(t, 2, res.Observed.Ready)
}

func TestVerifyFailsAfterConsecutiveReadErrors(t *testing.T) {
	f := cluster.NewFake()
	f.Seed("smartops", "web", 2)
	for i := 0; i < 3; i++ {
		f.PushError("status", cluster.NewError(cluster.KindUnavailable, "status", "smartops/web", nil))
	}
	v := New(f, nil, fastPoll, fastTimeout)

	res := v.Verify(context.Background(), "smartops", "web", 0, 0, 0)

	assert.Equal(t, StateFailed, res.State)
	assert.NotEmpty(t, res.LastError)
}

func TestVerifyErrorStreakResetsOnSuccess(t *testing.T) {
	// Two errors, one good poll, two more errors: the streak never
	// reaches three, so the run times out instead of failing.
	f := cluster.NewFake()
	f.Lag = 1 << 20
	f.Seed("smartops", "web", 2)
	require.NoError(t, f.Scale(context.Background(), "smartops", "web", 4))
	unavailable := func() error {
		return cluster.NewError(cluster.KindUnavailable, "status", "smartops/web", nil)
	}
	f.PushError("status", unavailable())
	f.PushError("status", unavailable())
	v := New(f, nil, fastPoll, 80*time.Millisecond)

	res := v.Verify(context.Background(), "smartops", "web", 4, 0, 0)

	assert.Equal(t, StateTimedOut, res.State)
}

func TestVerifyCancelledContext(t *testing.T) {
	f := cluster.NewFake()
	f.Lag = 1 << 20
	f.Seed("smartops", "web", 2)
	require.NoError(t, f.Scale(context.Background(), "smartops", "web", 4))
	v := New(f, nil, 20*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res := v.Verify(ctx, "smartops", "web", 4, 0, 0)

	assert.Equal(t, StateTimedOut, res.State)
}

func TestVerifyFailsOnReplicaFailureCondition(t *testing.T) {
	f := cluster.NewFake()
	f.Lag = 1 << 20
	f.Seed("smartops", "web", 2)
	require.NoError(t, f.Scale(context.Background(), "smartops", "web", 4))
	f.SetCondition("smartops", "web", cluster.Condition{
		Type: "ReplicaFailure", Status: "True",
		Reason: "FailedCreate", Message: "quota exceeded",
	})
	v := New(f, nil, fastPoll, fastTimeout)

	res := v.Verify(context.Background(), "smartops", "web", 4, 0, 0)

	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.LastError, "FailedCreate")
}

func TestVerifyNotFoundCountsAsReadError(t *testing.T) {
	f := cluster.NewFake()
	v := New(f, nil, fastPoll, fastTimeout)

	res := v.Verify(context.Background(), "smartops", "ghost", 0, 0, 0)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, res.Polls)
}
