package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartops/remediator/internal/action"
)

func outcomeFor(name string, status action.DispatchStatus) action.Outcome {
	return action.Outcome{
		RequestID: "req-" + name,
		Action: action.Request{
			ID:     "req-" + name,
			Type:   action.TypeRestart,
			Target: action.Target{Kind: "Deployment", Namespace: "smartops", Name: name},
		},
		Status:     status,
		FinishedAt: time.Now().UTC(),
	}
}

func TestLogRingBound(t *testing.T) {
	l := NewLog(nil, nil, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Record(ctx, outcomeFor(fmt.Sprintf("svc-%d", i), action.StatusSuccess))
	}

	recent := l.Recent(10)
	require.Len(t, recent, 3)
	// Newest first.
	assert.Equal(t, "svc-4", recent[0].Action.Target.Name)
	assert.Equal(t, "svc-2", recent[2].Action.Target.Name)
}

func TestLogRecentLimit(t *testing.T) {
	l := NewLog(nil, nil, 10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		l.Record(ctx, outcomeFor(fmt.Sprintf("svc-%d", i), action.StatusSuccess))
	}

	assert.Len(t, l.Recent(2), 2)
	assert.Len(t, l.Recent(0), 4)
}

func TestLogLastFor(t *testing.T) {
	l := NewLog(nil, nil, 10)
	ctx := context.Background()
	l.Record(ctx, outcomeFor("web", action.StatusFailed))
	l.Record(ctx, outcomeFor("api", action.StatusSuccess))
	l.Record(ctx, outcomeFor("web", action.StatusSuccess))

	out, ok := l.LastFor("smartops", "web")
	require.True(t, ok)
	assert.Equal(t, action.StatusSuccess, out.Status)

	_, ok = l.LastFor("smartops", "ghost")
	assert.False(t, ok)
}

func TestLogNilDatabaseIsSafe(t *testing.T) {
	l := NewLog(nil, nil, 10)
	ctx := context.Background()

	assert.NoError(t, l.Migrate(ctx))
	assert.NoError(t, l.PruneBefore(ctx, time.Now()))
	l.Record(ctx, outcomeFor("web", action.StatusSuccess))
	assert.Len(t, l.Recent(1), 1)
}
