package coordinator_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphi011/rpbridge/internal/coordinator"
	"github.com/raphi011/rpbridge/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execContext struct {
	input    map[string]string
	isWorker bool
}

func (e execContext) WorkerInput() (map[string]string, bool) {
	return e.input, e.isWorker
}

// fakeClock returns the given samples (in seconds) from Now.
type fakeClock struct {
	samples []int
	calls   int
	slept   []time.Duration
}

func (c *fakeClock) Now() time.Time {
	s := c.samples[c.calls]
	c.calls++
	return time.Unix(int64(s), 0)
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.slept = append(c.slept, d)
}

type emptyHandle struct {
	loads int
}

func (h *emptyHandle) Publish(context.Context, string) error { return nil }

func (h *emptyHandle) Load(context.Context) (string, bool, error) {
	h.loads++
	return "", false, nil
}

func TestIsCoordinator(t *testing.T) {
	assert.False(t, coordinator.IsCoordinator(execContext{input: nil, isWorker: true}), "nil worker input still marks a worker")
	assert.False(t, coordinator.IsCoordinator(execContext{input: map[string]string{"workerid": "gw0"}, isWorker: true}))
	assert.True(t, coordinator.IsCoordinator(execContext{}))
}

func TestAwaitLaunchTimesOut(t *testing.T) {
	clock := &fakeClock{samples: []int{0, 1, 2}}
	h := &emptyHandle{}

	_, err := coordinator.AwaitLaunch(context.Background(), h, time.Second, time.Second, clock, slog.Default())

	require.Error(t, err)
	assert.Equal(t, "Launch has not started.", err.Error())
	assert.True(t, errors.As(err, &model.LaunchNotStartedError{}))
	assert.Equal(t, 2, clock.calls, "must terminate on the second time sample")
	assert.Equal(t, 1, h.loads)
	assert.Empty(t, clock.slept)
}

func TestAwaitLaunchSleepsBetweenPolls(t *testing.T) {
	clock := &fakeClock{samples: []int{0, 1, 2, 3, 4, 5}}
	h := &emptyHandle{}

	_, err := coordinator.AwaitLaunch(context.Background(), h, 3*time.Second, 500*time.Millisecond, clock, slog.Default())

	require.Error(t, err)
	assert.Equal(t, 3, h.loads)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, clock.slept)
}

func TestAwaitLaunchReturnsPublishedID(t *testing.T) {
	h := coordinator.NewFileHandle(t.TempDir(), "run")
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, "launch-1"))

	id, err := coordinator.AwaitLaunch(ctx, h, time.Second, time.Millisecond, coordinator.RealClock, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "launch-1", id)
}

func TestCoordinatorPublishesOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := coordinator.New(execContext{}, coordinator.NewFileHandle(dir, "run"), slog.Default())
	require.True(t, c.IsCoordinator())

	require.NoError(t, c.Publish(ctx, "launch-1"))
	require.NoError(t, c.Publish(ctx, "launch-1"))

	var published model.AlreadyPublishedError
	assert.True(t, errors.As(c.Publish(ctx, "launch-2"), &published))

	id, err := c.AwaitLaunch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "launch-1", id, "coordinator returns its own id")

	worker := coordinator.New(
		execContext{input: map[string]string{"workerid": "gw1"}, isWorker: true},
		coordinator.NewFileHandle(dir, "run"),
		slog.Default(),
		coordinator.WithTimeout(time.Second, time.Millisecond),
	)
	require.False(t, worker.IsCoordinator())
	assert.Equal(t, "gw1", worker.WorkerID())
	assert.ErrorIs(t, worker.Publish(ctx, "launch-3"), coordinator.ErrNotCoordinator)

	id, err = worker.AwaitLaunch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "launch-1", id)
}

func TestFileHandle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	h := coordinator.NewFileHandle(dir, "key")
	ctx := context.Background()

	_, ok, err := h.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.Publish(ctx, "abc"))

	b, err := os.ReadFile(h.Path())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))

	require.NoError(t, h.Reset(ctx))
	require.NoError(t, h.Reset(ctx))

	_, ok, err = h.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvHandle(t *testing.T) {
	t.Setenv("RPBRIDGE_TEST_LAUNCH", "")

	h := coordinator.NewEnvHandle("RPBRIDGE_TEST_LAUNCH")
	ctx := context.Background()

	_, ok, _ := h.Load(ctx)
	assert.False(t, ok)

	require.NoError(t, h.Publish(ctx, "launch-9"))

	id, ok, _ := h.Load(ctx)
	assert.True(t, ok)
	assert.Equal(t, "launch-9", id)

	assert.Error(t, h.Publish(ctx, "launch-10"))

	require.NoError(t, h.Reset(ctx))
	require.NoError(t, h.Publish(ctx, "launch-10"))
}

func TestCoordinatorReset(t *testing.T) {
	ctx := context.Background()
	h := coordinator.NewFileHandle(t.TempDir(), "run")

	require.NoError(t, h.Publish(ctx, "stale"))

	worker := coordinator.New(execContext{isWorker: true}, h, slog.Default())
	require.NoError(t, worker.Reset(ctx), "subordinates never reset")

	_, ok, _ := h.Load(ctx)
	assert.True(t, ok)

	c := coordinator.New(execContext{}, h, slog.Default())
	require.NoError(t, c.Reset(ctx))
	require.NoError(t, c.Publish(ctx, "fresh"))

	id, _, _ := h.Load(ctx)
	assert.Equal(t, "fresh", id)
}
