// Package coordinator elects the process that creates the launch and lets
// all other worker processes discover the launch id it published.
//
// The launch id is the only state shared between processes. It lives in a
// Handle that is written once by the coordinator and polled by subordinates.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphi011/rpbridge/internal/model"
)

// ExecutionContext describes how the current process was started.
type ExecutionContext interface {
	// WorkerInput returns the descriptor a spawned worker receives from its
	// coordinator. ok is false when the process is not a spawned worker, a
	// present but empty descriptor still marks a worker.
	WorkerInput() (input map[string]string, ok bool)
}

// IsCoordinator returns true iff the process carries no worker input.
func IsCoordinator(ec ExecutionContext) bool {
	_, isWorker := ec.WorkerInput()
	return !isWorker
}

// Handle is a publish-once, read-many slot for the launch id.
type Handle interface {
	// Publish stores id. Publishing the same id again is a no-op, a
	// different id fails with model.AlreadyPublishedError.
	Publish(ctx context.Context, launchID string) error
	// Load returns the published id, ok is false while nothing is published.
	Load(ctx context.Context) (launchID string, ok bool, err error)
}

// WorkerTracker is implemented by handles that can count the subordinate
// sessions still reporting into the launch.
type WorkerTracker interface {
	Join(ctx context.Context, workerID string) error
	Leave(ctx context.Context, workerID string) error
	Active(ctx context.Context) (int, error)
}

// Resetter is implemented by handles that can forget a published id.
type Resetter interface {
	Reset(ctx context.Context) error
}

type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// AwaitLaunch polls h until a launch id is published or timeout elapsed.
// Every iteration takes a fresh time sample and the loop ends as soon as the
// elapsed time reaches timeout. Load errors count as "not yet published".
func AwaitLaunch(ctx context.Context, h Handle, timeout, pollInterval time.Duration, clock Clock, log *slog.Logger) (string, error) {
	start := clock.Now()

	for {
		id, ok, err := h.Load(ctx)
		if err != nil {
			log.Warn("loading launch id failed", "error", err)
		} else if ok {
			return id, nil
		}

		if clock.Now().Sub(start) >= timeout {
			return "", model.LaunchNotStartedError{}
		}

		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("waiting for launch: %w", err)
		}

		clock.Sleep(pollInterval)
	}
}

type Coordinator struct {
	coordinator  bool
	workerID     string
	handle       Handle
	timeout      time.Duration
	pollInterval time.Duration
	clock        Clock
	log          *slog.Logger

	launchID string
}

type Option func(c *Coordinator)

func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

func WithTimeout(timeout, pollInterval time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
		c.pollInterval = pollInterval
	}
}

func New(ec ExecutionContext, h Handle, log *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		coordinator:  IsCoordinator(ec),
		handle:       h,
		timeout:      10 * time.Second,
		pollInterval: time.Second,
		clock:        RealClock,
		log:          log,
	}

	if input, ok := ec.WorkerInput(); ok {
		c.workerID = input["workerid"]
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

func (c *Coordinator) IsCoordinator() bool {
	return c.coordinator
}

// WorkerID is the id of a subordinate as handed in by its worker input.
func (c *Coordinator) WorkerID() string {
	return c.workerID
}

var ErrNotCoordinator = errors.New("only the coordinator publishes the launch")

// Publish makes launchID visible to subordinates. Only the coordinator
// publishes and it does so at most once.
func (c *Coordinator) Publish(ctx context.Context, launchID string) error {
	if !c.coordinator {
		return ErrNotCoordinator
	}

	if c.launchID != "" {
		if c.launchID == launchID {
			return nil
		}

		return model.AlreadyPublishedError{Existing: c.launchID}
	}

	if err := c.handle.Publish(ctx, launchID); err != nil {
		return fmt.Errorf("publishing launch id: %w", err)
	}

	c.launchID = launchID

	return nil
}

// AwaitLaunch returns the launch id. The coordinator returns the id it
// published itself, subordinates poll the handle.
func (c *Coordinator) AwaitLaunch(ctx context.Context) (string, error) {
	if c.coordinator {
		return c.launchID, nil
	}

	id, err := AwaitLaunch(ctx, c.handle, c.timeout, c.pollInterval, c.clock, c.log)
	if err != nil {
		return "", err
	}

	c.launchID = id

	return id, nil
}

// Join registers a subordinate session with the handle if it tracks workers.
func (c *Coordinator) Join(ctx context.Context) error {
	tracker, ok := c.handle.(WorkerTracker)
	if !ok || c.coordinator {
		return nil
	}

	return tracker.Join(ctx, c.workerID)
}

func (c *Coordinator) Leave(ctx context.Context) error {
	tracker, ok := c.handle.(WorkerTracker)
	if !ok || c.coordinator {
		return nil
	}

	return tracker.Leave(ctx, c.workerID)
}

// Reset clears an id left in the handle by a previous run. Only the
// coordinator resets, subordinates return at once.
func (c *Coordinator) Reset(ctx context.Context) error {
	if !c.coordinator {
		return nil
	}

	c.launchID = ""

	r, ok := c.handle.(Resetter)
	if !ok {
		return nil
	}

	return r.Reset(ctx)
}

// AwaitWorkers blocks the coordinator until every joined subordinate left
// or the timeout elapsed. Handles without worker tracking return at once.
func (c *Coordinator) AwaitWorkers(ctx context.Context, timeout time.Duration) error {
	tracker, ok := c.handle.(WorkerTracker)
	if !ok || !c.coordinator {
		return nil
	}

	start := c.clock.Now()

	for {
		active, err := tracker.Active(ctx)
		if err != nil {
			return fmt.Errorf("counting active workers: %w", err)
		}

		if active == 0 {
			return nil
		}

		if c.clock.Now().Sub(start) >= timeout {
			return fmt.Errorf("%d workers still active after %s", active, timeout)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		c.clock.Sleep(c.pollInterval)
	}
}
