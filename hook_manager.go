package rpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphi011/rpbridge/internal/model"
	"go.uber.org/multierr"
)

// LogBatchListener is notified about every log batch that was sent to the
// reporting service.
type LogBatchListener interface {
	Hook
	LogBatchSent(ctx context.Context, launchID string, batch []model.LogRecord)
}

// LaunchFinishedListener is notified once the coordinator finished the
// launch. Listeners run asynchronously, SessionFinish waits for them.
type LaunchFinishedListener interface {
	Hook
	LaunchFinished(launch model.Launch)
}

type Hook interface {
	Name() string
	Init() error
}

type hookManager struct {
	all            []Hook
	logBatchSent   []LogBatchListener
	launchFinished []LaunchFinishedListener

	asyncHooksRunning sync.WaitGroup

	log *slog.Logger
}

func newHookManager(log *slog.Logger) *hookManager {
	return &hookManager{
		all:            []Hook{},
		logBatchSent:   []LogBatchListener{},
		launchFinished: []LaunchFinishedListener{},

		log: log,
	}
}

// init initialises all hooks and sorts them by the listeners they
// implement. Hooks that fail to initialise or implement no listener are
// dropped, the others stay registered.
func (s *hookManager) init() error {
	var initErr error

	for _, p := range s.all {
		if err := p.Init(); err != nil {
			initErr = multierr.Append(initErr, fmt.Errorf("initiating hook %q: %w", p.Name(), err))
			s.log.Warn("dropping hook", "hook", p.Name(), "error", err)
			continue
		}

		registeredHook := false

		if l, ok := p.(LogBatchListener); ok {
			s.logBatchSent = append(s.logBatchSent, l)
			registeredHook = true
		}
		if l, ok := p.(LaunchFinishedListener); ok {
			s.launchFinished = append(s.launchFinished, l)
			registeredHook = true
		}

		if !registeredHook {
			initErr = multierr.Append(initErr, fmt.Errorf("hook %q does not implement any listener", p.Name()))
			s.log.Warn("dropping hook", "hook", p.Name(), "error", "no listener implemented")
		}
	}

	return initErr
}

// shutdown returns a context that is done once all async hooks returned.
func (s *hookManager) shutdown() context.Context {
	cancelCtx, cancel := context.WithCancel(context.Background())

	go func() {
		s.asyncHooksRunning.Wait()
		cancel()
	}()

	return cancelCtx
}

func (s *hookManager) notifyLogBatchSent(ctx context.Context, launchID string, batch []model.LogRecord) {
	for _, p := range s.logBatchSent {
		p.LogBatchSent(ctx, launchID, batch)
	}
}

func (s *hookManager) notifyLaunchFinished(launch model.Launch) {
	for _, p := range s.launchFinished {
		s.asyncHooksRunning.Add(1)

		hook := p
		go func() {
			defer s.asyncHooksRunning.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("hook panicked", "hook", hook.Name(), "panic", r)
				}
			}()

			hook.LaunchFinished(launch)
		}()
	}
}
