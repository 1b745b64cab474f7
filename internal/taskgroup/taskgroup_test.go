package taskgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllSucceed(t *testing.T) {
	tasks := []Task{
		{Name: "a", Run: func(ctx context.Context) error { return nil }},
		{Name: "b", Run: func(ctx context.Context) error { return nil }},
	}

	results := Run(context.Background(), 2, tasks)
	assert.True(t, results.AllSucceeded())
	assert.ElementsMatch(t, []string{"a", "b"}, results.Succeeded)
	assert.Empty(t, results.Failed)
	assert.Equal(t, "", results.ErrorMessage())
}

func TestRunPartialFailureDoesNotCancelSiblings(t *testing.T) {
	var executed int32

	tasks := []Task{
		{Name: "twitter", Run: func(ctx context.Context) error {
			atomic.AddInt32(&executed, 1)
			return nil
		}},
		{Name: "facebook", Run: func(ctx context.Context) error {
			atomic.AddInt32(&executed, 1)
			return errors.New("boom")
		}},
		{Name: "linkedin", Run: func(ctx context.Context) error {
			atomic.AddInt32(&executed, 1)
			return nil
		}},
	}

	results := Run(context.Background(), 1, tasks)

	// Every task ran to completion despite the failure in the middle.
	assert.Equal(t, int32(3), atomic.LoadInt32(&executed))
	assert.False(t, results.AllSucceeded())
	assert.ElementsMatch(t, []string{"twitter", "linkedin"}, results.Succeeded)
	require.Len(t, results.Failed, 1)
	assert.Equal(t, "facebook", results.Failed[0].Name)
}

func TestErrorMessageAggregatesInTaskOrder(t *testing.T) {
	tasks := []Task{
		{Name: "a", Run: func(ctx context.Context) error { return errors.New("first") }},
		{Name: "b", Run: func(ctx context.Context) error { return nil }},
		{Name: "c", Run: func(ctx context.Context) error { return errors.New("second") }},
	}

	results := Run(context.Background(), 3, tasks)
	assert.Equal(t, "a: first; c: second", results.ErrorMessage())
}

func TestRunUnboundedLimit(t *testing.T) {
	tasks := []Task{
		{Name: "only", Run: func(ctx context.Context) error { return nil }},
	}
	results := Run(context.Background(), 0, tasks)
	assert.True(t, results.AllSucceeded())
}

func TestRunNoTasks(t *testing.T) {
	results := Run(context.Background(), 4, nil)
	assert.True(t, results.AllSucceeded())
}
