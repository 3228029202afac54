package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billmirror/billmirror/internal/engine/dispatcher"
)

type countingDispatcher struct {
	passes atomic.Int32
}

func (d *countingDispatcher) RunOnce(context.Context) (dispatcher.BatchReport, error) {
	d.passes.Add(1)
	return dispatcher.BatchReport{}, nil
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&countingDispatcher{}, WithSchedule("not a schedule"))
	assert.Error(t, err)

	_, err = New(&countingDispatcher{}, WithSchedule("*/5 * * * *"))
	assert.NoError(t, err)

	// Empty schedule keeps the default rather than failing.
	_, err = New(&countingDispatcher{}, WithSchedule(""))
	assert.NoError(t, err)
}

func TestStartRunsInitialPassAndStops(t *testing.T) {
	t.Parallel()

	d := &countingDispatcher{}
	w, err := New(d)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() {
		started <- w.Start(ctx)
	}()

	// The initial pass fires immediately, before the first scheduled tick.
	require.Eventually(t, func() bool {
		return d.passes.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStopHonorsParentContext(t *testing.T) {
	t.Parallel()

	w, err := New(&countingDispatcher{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not honor context cancellation")
	}
}
