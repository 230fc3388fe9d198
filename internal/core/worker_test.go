package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/core/coretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectWorkerPicksLeastLoaded(t *testing.T) {
	workers := coretest.Workers(5*time.Second, 3*time.Second, 9*time.Second)
	w, err := core.SelectWorker(context.Background(), workers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, w.ID())
}

func TestSelectWorkerNotStuckOnFirst(t *testing.T) {
	// A zero-seeded running minimum would always return index 0 here.
	workers := coretest.Workers(10*time.Millisecond, time.Millisecond)
	w, err := core.SelectWorker(context.Background(), workers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, w.ID())
}

func TestSelectWorkerTieGoesToLowestIndex(t *testing.T) {
	workers := coretest.Workers(time.Second, time.Second, time.Second)
	w, err := core.SelectWorker(context.Background(), workers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, w.ID())
}

func TestSelectWorkerSkipsFailingAndSlowWorkers(t *testing.T) {
	broken := coretest.NewWorker(0, 0)
	broken.UsageErr = coretest.ErrInjected
	stuck := coretest.NewWorker(1, 0)
	stuck.UsageDelay = -1
	healthy := coretest.NewWorker(2, time.Hour)

	start := time.Now()
	w, err := core.SelectWorker(context.Background(), []core.Worker{broken, stuck, healthy}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, w.ID())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSelectWorkerAllUnavailable(t *testing.T) {
	a := coretest.NewWorker(0, 0)
	a.UsageErr = coretest.ErrInjected
	_, err := core.SelectWorker(context.Background(), []core.Worker{a}, time.Second)
	require.ErrorIs(t, err, core.ErrNoWorker)

	_, err = core.SelectWorker(context.Background(), nil, time.Second)
	require.ErrorIs(t, err, core.ErrNoWorker)
}
