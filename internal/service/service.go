// Package service wraps the reporting client with the launch lifecycle, log
// batching and retries.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/raphi011/rpbridge/internal/config"
	"github.com/raphi011/rpbridge/internal/metric"
	"github.com/raphi011/rpbridge/internal/model"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
)

// Client is the wire client of the reporting service.
type Client interface {
	StartLaunch(ctx context.Context, rq model.StartLaunchRQ) (string, error)
	FinishLaunch(ctx context.Context, launchID string, rq model.FinishLaunchRQ) error
	StartItem(ctx context.Context, parentID string, rq model.StartItemRQ) (string, error)
	FinishItem(ctx context.Context, itemID string, rq model.FinishItemRQ) error
	SaveLogs(ctx context.Context, launchID string, records []model.LogRecord) error
}

// ClientFactory creates the client once the service is initialised.
type ClientFactory func(cfg config.Config) (Client, error)

// BatchListener is notified about every log batch that was sent.
type BatchListener func(ctx context.Context, launchID string, batch []model.LogRecord)

var (
	// ErrDisabled is returned by all calls once the client was disabled or
	// before it was initialised.
	ErrDisabled = errors.New("reporting is disabled")
	// ErrNoLaunch is returned when items are reported before a launch exists.
	ErrNoLaunch = errors.New("no launch started")
)

type Service struct {
	cfg     config.Config
	factory ClientFactory
	log     *slog.Logger

	attempts   uint
	retryDelay time.Duration
	listeners  []BatchListener

	// launchMu serializes launch creation so at most one launch is created.
	launchMu sync.Mutex
	// flushMu is held while a batch is sent so lifecycle calls that flush
	// first wait for batches that are already in flight.
	flushMu sync.Mutex

	mu       sync.Mutex
	client   Client
	launchID string
	buffer   []model.LogRecord
	cron     *cron.Cron
}

type Option func(s *Service)

// WithRetry sets how often a temporary failure is attempted in total and
// the initial backoff delay.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *Service) {
		s.attempts = attempts
		s.retryDelay = delay
	}
}

func WithBatchListener(l BatchListener) Option {
	return func(s *Service) {
		s.listeners = append(s.listeners, l)
	}
}

func New(cfg config.Config, factory ClientFactory, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		factory:    factory,
		log:        log,
		attempts:   3,
		retryDelay: 100 * time.Millisecond,
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// InitService creates the client. Calling it again keeps the first client.
func (s *Service) InitService(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	c, err := s.factory(s.cfg)
	if err != nil {
		return fmt.Errorf("creating reporting client: %w", err)
	}

	s.client = c

	return nil
}

// Client returns the active client, nil once reporting was disabled.
func (s *Service) Client() Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.client
}

// Disable drops the client, every later call fails with ErrDisabled.
func (s *Service) Disable() {
	s.StopFlushSchedule()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = nil
	s.buffer = nil
	metric.LogsPending.Set(0)
}

func (s *Service) LaunchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.launchID
}

// UseLaunch attaches the service to a launch created elsewhere.
func (s *Service) UseLaunch(launchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.launchID = launchID
}

// StartLaunch creates the launch. Only the first call creates one, later
// calls return the id of the existing launch.
func (s *Service) StartLaunch(ctx context.Context, launch model.Launch) (string, error) {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	if id := s.LaunchID(); id != "" {
		return id, nil
	}

	c := s.Client()
	if c == nil {
		return "", ErrDisabled
	}

	start := launch.Start
	if start.IsZero() {
		start = time.Now()
	}

	rq := model.StartLaunchRQ{
		Name:        launch.Name,
		Description: launch.Description,
		Attributes:  launch.Attributes,
		StartTime:   model.NewTimestamp(start),
		Mode:        launch.Mode,
		Rerun:       launch.Rerun,
		RerunOf:     launch.RerunOf,
	}

	var id string

	err := s.retry(ctx, func() (err error) {
		id, err = c.StartLaunch(ctx, rq)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("starting launch: %w", err)
	}

	s.UseLaunch(id)

	s.log.Info("Launch started", "launch-id", id, "name", launch.Name)

	return id, nil
}

// StartItem starts item below item.ParentID and returns its id.
func (s *Service) StartItem(ctx context.Context, item model.Item) (string, error) {
	c, launchID, err := s.active()
	if err != nil {
		return "", err
	}

	start := item.Start
	if start.IsZero() {
		start = time.Now()
	}

	rq := model.StartItemRQ{
		LaunchID:    launchID,
		Name:        item.Name,
		Description: item.Description,
		Type:        item.Kind,
		StartTime:   model.NewTimestamp(start),
		Attributes:  item.Attributes,
		CodeRef:     item.CodeRef,
		Retry:       item.Retry,
	}

	var id string

	err = s.retry(ctx, func() (err error) {
		id, err = c.StartItem(ctx, item.ParentID, rq)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("starting item %q: %w", item.Name, err)
	}

	metric.ItemsStarted.WithLabelValues(string(item.Kind), strconv.FormatBool(item.Retry)).Inc()

	return id, nil
}

// FinishItem sends pending logs and finishes the item.
func (s *Service) FinishItem(ctx context.Context, item model.Item) error {
	flushErr := s.Flush(ctx)

	c, launchID, err := s.active()
	if err != nil {
		return err
	}

	end := item.End
	if end.IsZero() {
		end = time.Now()
	}

	rq := model.FinishItemRQ{
		LaunchID: launchID,
		EndTime:  model.NewTimestamp(end),
		Status:   item.Status,
		Issue:    item.Issue,
	}

	err = s.retry(ctx, func() error {
		return c.FinishItem(ctx, item.ID, rq)
	})
	if err != nil {
		return multierr.Append(flushErr, fmt.Errorf("finishing item %q: %w", item.Name, err))
	}

	metric.ItemsFinished.WithLabelValues(string(item.Kind), string(item.Status)).Inc()

	return flushErr
}

// FinishLaunch sends pending logs, stops the periodic flush and finishes
// the launch.
func (s *Service) FinishLaunch(ctx context.Context, end time.Time) error {
	s.StopFlushSchedule()

	flushErr := s.Flush(ctx)

	c, launchID, err := s.active()
	if err != nil {
		return err
	}

	if end.IsZero() {
		end = time.Now()
	}

	err = s.retry(ctx, func() error {
		return c.FinishLaunch(ctx, launchID, model.FinishLaunchRQ{EndTime: model.NewTimestamp(end)})
	})
	if err != nil {
		return multierr.Append(flushErr, fmt.Errorf("finishing launch: %w", err))
	}

	s.log.Info("Launch finished", "launch-id", launchID)

	return flushErr
}

// Log buffers record and flushes the buffer once it reached the batch size.
func (s *Service) Log(ctx context.Context, record model.LogRecord) error {
	if record.Time.IsZero() {
		record.Time = time.Now()
	}

	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return ErrDisabled
	}

	s.buffer = append(s.buffer, record)
	full := len(s.buffer) >= s.cfg.LogBatchSize
	metric.LogsPending.Set(float64(len(s.buffer)))
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}

	return nil
}

// Flush sends all buffered log records as one batch.
func (s *Service) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	c, launchID := s.client, s.launchID
	metric.LogsPending.Set(0)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if c == nil {
		return ErrDisabled
	}

	if launchID == "" {
		return ErrNoLaunch
	}

	err := s.retry(ctx, func() error {
		return c.SaveLogs(ctx, launchID, batch)
	})
	if err != nil {
		return fmt.Errorf("sending %d log records: %w", len(batch), err)
	}

	metric.LogBatchesSent.Inc()
	metric.LogsSent.Add(float64(len(batch)))

	for _, l := range s.listeners {
		l(ctx, launchID, batch)
	}

	return nil
}

// StartFlushSchedule flushes the log buffer on the given cron schedule
// (with seconds), e.g. "*/5 * * * * *" or "@every 5s".
func (s *Service) StartFlushSchedule(schedule string) error {
	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc(schedule, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.log.Warn("scheduled log flush failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid log flush schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	s.mu.Unlock()

	c.Start()

	return nil
}

func (s *Service) StopFlushSchedule() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Service) active() (Client, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, "", ErrDisabled
	}

	if s.launchID == "" {
		return nil, "", ErrNoLaunch
	}

	return s.client, s.launchID, nil
}

type temporary interface {
	Temporary() bool
}

type maintenance interface {
	Maintenance() bool
}

// retry runs fn until it succeeds, fails permanently or the attempts are
// used up. Maintenance responses are returned as model.MaintenanceError.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTemporary),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("retrying request", "attempt", n+1, "error", err)
		}),
	)

	return mapMaintenance(err)
}

func isTemporary(err error) bool {
	var m maintenance
	if errors.As(err, &m) && m.Maintenance() {
		return false
	}

	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

func mapMaintenance(err error) error {
	if err == nil {
		return nil
	}

	var m maintenance
	if errors.As(err, &m) && m.Maintenance() {
		return model.MaintenanceError{Message: err.Error()}
	}

	return err
}
