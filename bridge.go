// Package rpbridge mirrors the lifecycle of a test run as a launch on a
// ReportPortal compatible reporting service.
//
// A Bridge is driven by the hooks of a test framework: Configure,
// SessionStart, CollectionFinish, TestStarted, TestLog, TestFinished,
// SessionFinish and Unconfigure. Reporting is best effort, no error of the
// reporting service ever changes the outcome of the test run.
package rpbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raphi011/rpbridge/client"
	"github.com/raphi011/rpbridge/internal/config"
	"github.com/raphi011/rpbridge/internal/coordinator"
	"github.com/raphi011/rpbridge/internal/hierarchy"
	"github.com/raphi011/rpbridge/internal/hook"
	"github.com/raphi011/rpbridge/internal/metric"
	"github.com/raphi011/rpbridge/internal/model"
	"github.com/raphi011/rpbridge/internal/rplog"
	"github.com/raphi011/rpbridge/internal/service"
	"golang.org/x/exp/maps"
)

// Reexport to allow library users to reference these types

type Config = config.Config
type TestCase = hierarchy.TestCase
type Mark = hierarchy.Mark
type Status = model.Status

const (
	StatusPassed      = model.StatusPassed
	StatusFailed      = model.StatusFailed
	StatusSkipped     = model.StatusSkipped
	StatusInterrupted = model.StatusInterrupted
)

type State int

const (
	Unconfigured State = iota
	Disabled
	Configured
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Disabled:
		return "disabled"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Prober is implemented by clients that can check connectivity to the
// reporting service.
type Prober interface {
	Probe(ctx context.Context) error
}

// item is an item started on the reporting service.
type item struct {
	id     string
	key    string
	name   string
	kind   model.ItemKind
	parent *item
	depth  int
	// test is set when the item was started as the leaf of a test case.
	test     *TestCase
	status   model.Status
	finished bool
	started  int
}

type Bridge struct {
	cfg  config.Config
	host Host
	log  *slog.Logger

	httpClient    *http.Client
	clock         coordinator.Clock
	clientFactory service.ClientFactory
	handle        coordinator.Handle
	handleCloser  io.Closer
	hooks         *hookManager
	retryDelay    time.Duration

	builder hierarchy.Builder
	tree    *hierarchy.Tree
	ignore  service.IgnoreList

	mu       sync.Mutex
	state    State
	service  *service.Service
	reporter *Reporter
	coord    *coordinator.Coordinator
	launch   model.Launch
	joined   bool
	items    map[string]*item
	tests    map[string]*item
	order    []*item
}

// New creates a bridge for cfg. Nothing is reported before Configure.
func New(cfg config.Config, host Host, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:        cfg,
		host:       host,
		log:        slog.Default(),
		clock:      coordinator.RealClock,
		retryDelay: 100 * time.Millisecond,
		builder: hierarchy.NewBuilder(hierarchy.Flags{
			Dirs:            cfg.HierarchyDirs,
			DirsLevel:       cfg.HierarchyDirsLevel,
			Module:          cfg.HierarchyModule,
			Class:           cfg.HierarchyClass,
			Parametrize:     cfg.HierarchyParametrize,
			DisplayTestFile: cfg.DisplaySuiteTestFile,
		}),
		ignore: service.NewIgnoreList(cfg.IgnoreErrors),
		items:  map[string]*item{},
		tests:  map[string]*item{},
	}

	b.hooks = newHookManager(b.log)
	b.tree = hierarchy.NewTree(b.builder)

	for _, o := range opts {
		o(b)
	}

	b.hooks.log = b.log

	if b.clientFactory == nil {
		b.clientFactory = b.defaultClient
	}

	return b
}

func (b *Bridge) defaultClient(cfg config.Config) (service.Client, error) {
	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = client.NewHTTPClient(cfg.VerifySSL)
	}

	return client.New(cfg.Endpoint, cfg.Project, cfg.APIKey, httpClient), nil
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Service returns the reporting facade, nil unless configured.
func (b *Bridge) Service() *service.Service {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.service
}

// Reporter returns the registered log listener, nil if none is registered.
func (b *Bridge) Reporter() *Reporter {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.reporter
}

func (b *Bridge) Tree() *hierarchy.Tree {
	return b.tree
}

// Case returns the collected test case with the given id.
func (b *Bridge) Case(id string) (TestCase, bool) {
	return b.tree.Case(id)
}

// Configure validates the configuration and checks connectivity. It returns
// Configured if reporting is active and Disabled otherwise.
func (b *Bridge) Configure(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Unconfigured {
		return b.state
	}

	if !b.cfg.Enabled {
		return b.disable("reporting is not enabled")
	}

	if b.cfg.DryRun {
		return b.disable("tests are only collected")
	}

	if err := b.cfg.Validate(); err != nil {
		return b.disable("invalid configuration", "error", err)
	}

	c, err := b.clientFactory(b.cfg)
	if err != nil {
		return b.disable("unable to create reporting client", "error", err)
	}

	if p, ok := c.(Prober); ok {
		if err := p.Probe(ctx); err != nil {
			return b.disable("reporting service is not reachable", "endpoint", b.cfg.Endpoint, "error", err)
		}
	}

	if b.handle == nil {
		b.handle, b.handleCloser, err = openLaunchHandle(b.cfg.LaunchSync, b.cfg.LaunchSyncKey, b.log)
		if err != nil {
			return b.disable("unable to open launch handle", "error", err)
		}
	}

	if b.cfg.ElasticURL != "" {
		h, err := hook.NewElasticSearchHook(b.cfg.ElasticURL, b.cfg.ElasticIndex, b.log)
		if err != nil {
			b.log.Warn("elasticsearch hook disabled", "error", err)
		} else {
			b.hooks.all = append(b.hooks.all, h)
		}
	}

	if err := b.hooks.init(); err != nil {
		b.log.Warn("not all hooks are active", "error", err)
	}

	b.service = service.New(b.cfg, func(config.Config) (service.Client, error) { return c, nil }, b.log,
		service.WithRetry(uint(b.cfg.Retries)+1, b.retryDelay),
		service.WithBatchListener(b.hooks.notifyLogBatchSent),
	)

	b.reporter = &Reporter{bridge: b, level: b.cfg.Level()}
	b.host.RegisterListener(b.reporter)

	b.state = Configured

	b.log.Debug("reporting configured", "endpoint", b.cfg.Endpoint, "project", b.cfg.Project)

	return b.state
}

func (b *Bridge) disable(reason string, args ...any) State {
	b.log.Info("reporting disabled: "+reason, args...)
	b.state = Disabled

	return b.state
}

// SessionStart creates or discovers the launch. Subordinate workers that
// do not find a launch in time get a model.LaunchNotStartedError, all other
// failures only disable reporting.
func (b *Bridge) SessionStart(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Configured {
		return nil
	}

	b.state = Running

	b.coord = coordinator.New(b.host, b.handle, b.log,
		coordinator.WithClock(b.clock),
		coordinator.WithTimeout(b.cfg.LaunchWaitTimeout.Duration(), b.cfg.LaunchWaitInterval.Duration()),
	)

	if err := b.service.InitService(ctx); err != nil {
		b.handleError("init service", err)
		b.service.Disable()
		return nil
	}

	b.launch = model.Launch{
		Name:        b.cfg.Launch,
		Description: b.cfg.LaunchDescription,
		Attributes:  model.ParseAttributes(b.cfg.LaunchAttributes),
		Mode:        b.cfg.LaunchMode(),
		Rerun:       b.cfg.Rerun,
		RerunOf:     b.cfg.RerunOf,
		Start:       time.Now(),
	}

	role := "coordinator"

	switch {
	case b.cfg.LaunchID != "":
		role = "external"
		b.service.UseLaunch(b.cfg.LaunchID)
	case !b.coord.IsCoordinator():
		role = "worker"

		id, err := b.coord.AwaitLaunch(ctx)
		if err != nil {
			b.log.Error("no launch to report to", "worker", b.coord.WorkerID(), "error", err)
			b.service.Disable()
			return err
		}

		b.service.UseLaunch(id)

		if err := b.coord.Join(ctx); err != nil {
			b.log.Warn("unable to register worker", "worker", b.coord.WorkerID(), "error", err)
		} else {
			b.joined = true
		}
	default:
		if err := b.coord.Reset(ctx); err != nil {
			b.log.Warn("unable to reset launch handle", "error", err)
		}

		id, err := b.service.StartLaunch(ctx, b.launch)
		if err != nil {
			b.handleError("start launch", err)
			b.service.Disable()
			return nil
		}

		if err := b.coord.Publish(ctx, id); err != nil {
			b.log.Error("unable to publish launch id, workers will not find the launch", "error", err)
		}
	}

	b.launch.ID = b.service.LaunchID()

	metric.LaunchesStarted.WithLabelValues(role).Inc()

	if b.cfg.LogFlushSchedule != "" {
		if err := b.service.StartFlushSchedule(b.cfg.LogFlushSchedule); err != nil {
			b.log.Warn("periodic log flush disabled", "error", err)
		}
	}

	return nil
}

// CollectionFinish registers the collected test cases.
func (b *Bridge) CollectionFinish(cases []TestCase) {
	if b.State() == Disabled {
		return
	}

	b.tree.Register(cases)
}

// TestStarted starts the item of tc and all of its ancestors that are not
// open yet. Starting a test whose item was finished before reports a retry.
func (b *Bridge) TestStarted(ctx context.Context, tc TestCase) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.reporting() {
		return
	}

	path := b.builder.Path(tc)

	var parent *item

	for _, seg := range path[:len(path)-1] {
		it := b.items[seg.Key]

		if it == nil || it.finished {
			var err error

			it, err = b.startItem(ctx, seg, parent, nil, nil, false)
			if err != nil {
				b.handleError("start item", err)
				return
			}
		}

		parent = it
	}

	leaf := path[len(path)-1]
	retry := false

	if existing := b.items[leaf.Key]; existing != nil {
		if !existing.finished {
			b.log.Debug("test already started", "test", tc.ID)
			b.tests[tc.ID] = existing
			return
		}

		retry = true
	}

	tc.Description = strings.TrimSpace(tc.Description)

	it, err := b.startItem(ctx, leaf, parent, &tc, b.testAttributes(tc), retry)
	if err != nil {
		b.handleError("start item", err)
		return
	}

	b.tests[tc.ID] = it

	if retry {
		b.log.Debug("reporting retry", "test", tc.ID, "attempt", it.started)
	}
}

func (b *Bridge) startItem(ctx context.Context, seg hierarchy.Segment, parent *item, tc *TestCase, attributes []model.Attribute, retry bool) (*item, error) {
	rq := model.Item{
		ParentID:   b.cfg.ParentItemID,
		Kind:       seg.Kind,
		Name:       seg.Name,
		Attributes: attributes,
		Retry:      retry,
		Start:      time.Now(),
	}

	depth := 0

	if parent != nil {
		rq.ParentID = parent.id
		depth = parent.depth + 1
	}

	if tc != nil {
		rq.Description = tc.Description
		rq.CodeRef = tc.CodeRef
	}

	id, err := b.service.StartItem(ctx, rq)
	if err != nil {
		return nil, err
	}

	it := &item{
		id:     id,
		key:    seg.Key,
		name:   seg.Name,
		kind:   seg.Kind,
		parent: parent,
		depth:  depth,
		test:   tc,
	}

	if prev := b.items[seg.Key]; prev != nil {
		it.started = prev.started
	}
	it.started++

	b.items[seg.Key] = it
	b.order = append(b.order, it)

	return it, nil
}

// testAttributes merges rp_tests_attributes with the marks of tc. Ignored
// attributes and issue marks are left out, issue marks with an id are added
// as "mark:id" when rp_issue_id_marks is set.
func (b *Bridge) testAttributes(tc TestCase) []model.Attribute {
	attributes := model.ParseAttributes(b.cfg.TestsAttributes)

	issueMarks := set(b.cfg.IssueMarks)
	ignored := set(b.cfg.IgnoreAttributes)

	for _, m := range tc.Marks {
		if _, ok := issueMarks[m.Name]; ok {
			if !b.cfg.IssueIDMarks {
				continue
			}

			for _, id := range issueIDs(m) {
				attributes = append(attributes, model.Attribute{Key: m.Name, Value: id})
			}

			continue
		}

		if _, ok := ignored[m.Name]; ok {
			continue
		}

		if v := m.Arg("value", ""); v != "" {
			attributes = append(attributes, model.Attribute{Key: m.Name, Value: v})
		} else {
			attributes = append(attributes, model.Attribute{Value: m.Name})
		}
	}

	return attributes
}

// TestLog forwards record to the item of the test, to the launch if the
// test is unknown.
func (b *Bridge) TestLog(ctx context.Context, testID string, record rplog.Record) {
	if record.Level < b.cfg.Level() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.reporting() {
		return
	}

	var itemID string
	if it := b.tests[testID]; it != nil && !it.finished {
		itemID = it.id
	}

	err := b.service.Log(ctx, model.LogRecord{
		ItemID:     itemID,
		Level:      levelName(record.Level),
		Message:    message(record),
		Time:       record.Time,
		Attachment: record.Attachment,
	})
	if err != nil {
		b.handleError("log", err)
	}
}

// TestFinished finishes the item of the test with its settled status.
func (b *Bridge) TestFinished(ctx context.Context, testID string, status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.reporting() {
		return
	}

	it := b.tests[testID]
	if it == nil {
		b.log.Debug("finishing unknown test", "test", testID)
		return
	}

	if it.finished {
		return
	}

	delete(b.tests, testID)

	var issue *model.Issue
	if it.test != nil {
		issue = b.issue(*it.test, status)
	}

	b.finishItem(ctx, it, status, issue)
}

func (b *Bridge) finishItem(ctx context.Context, it *item, status model.Status, issue *model.Issue) {
	it.finished = true

	if it.status == "" || status.Worse(it.status) {
		it.status = status
	}

	if it.parent != nil && it.status != "" && (it.parent.status == "" || it.status.Worse(it.parent.status)) {
		it.parent.status = it.status
	}

	err := b.service.FinishItem(ctx, model.Item{
		ID:     it.id,
		Name:   it.name,
		Kind:   it.kind,
		Status: it.status,
		Issue:  issue,
		End:    time.Now(),
	})
	if err != nil {
		b.handleError("finish item", err)
	}
}

// issue returns the defect of a finished test, nil if it has none.
func (b *Bridge) issue(tc TestCase, status model.Status) *model.Issue {
	if status == model.StatusSkipped && !b.cfg.IsSkippedAnIssue {
		return &model.Issue{IssueType: model.IssueTypeNotIssue}
	}

	if status != model.StatusFailed {
		return nil
	}

	marks := tc.MarksNamed(b.cfg.IssueMarks...)
	if len(marks) == 0 {
		return nil
	}

	issue := &model.Issue{IssueType: marks[0].Arg("type", model.IssueTypeProductBug)}

	var reasons []string

	for _, m := range marks {
		if reason := m.Arg("reason", ""); reason != "" {
			reasons = append(reasons, reason)
		}

		for _, id := range issueIDs(m) {
			ext := model.ExternalIssue{TicketID: id}
			if b.cfg.IssueSystemURL != "" {
				ext.URL = strings.ReplaceAll(b.cfg.IssueSystemURL, "{issue_id}", id)
			}

			issue.ExternalSystemIssues = append(issue.ExternalSystemIssues, ext)
		}
	}

	issue.Comment = strings.Join(reasons, "\n")

	return issue
}

// SessionFinish finishes every open item and, on the coordinator, the
// launch.
func (b *Bridge) SessionFinish(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Running {
		return
	}

	b.state = Finished

	if b.service.Client() == nil {
		return
	}

	b.finishOpenItems(ctx)

	if b.cfg.LaunchID != "" || !b.coord.IsCoordinator() {
		if err := b.service.Flush(ctx); err != nil {
			b.handleError("flush", err)
		}

		b.service.StopFlushSchedule()

		if b.joined {
			b.joined = false

			if err := b.coord.Leave(ctx); err != nil {
				b.log.Warn("unable to unregister worker", "worker", b.coord.WorkerID(), "error", err)
			}
		}

		return
	}

	if err := b.coord.AwaitWorkers(ctx, b.cfg.LaunchWaitTimeout.Duration()); err != nil {
		b.log.Warn("finishing launch while workers are still reporting", "error", err)
	}

	if err := b.service.FinishLaunch(ctx, time.Now()); err != nil {
		b.handleError("finish launch", err)
		return
	}

	b.launch.End = time.Now()
	b.hooks.notifyLaunchFinished(b.launch)

	if err := b.coord.Reset(ctx); err != nil {
		b.log.Warn("unable to reset launch handle", "error", err)
	}

	<-b.hooks.shutdown().Done()
}

// finishOpenItems finishes open items deepest first. Tests that did not
// finish are interrupted, suites get the worst status of their children.
func (b *Bridge) finishOpenItems(ctx context.Context) {
	var open []*item

	// later started items first among items of the same depth
	for i := len(b.order) - 1; i >= 0; i-- {
		if !b.order[i].finished {
			open = append(open, b.order[i])
		}
	}

	sort.SliceStable(open, func(i, j int) bool {
		return open[i].depth > open[j].depth
	})

	for _, it := range open {
		status := it.status
		if it.test != nil {
			status = model.StatusInterrupted
		}

		b.finishItem(ctx, it, status, nil)
	}

	maps.Clear(b.tests)
}

// Unconfigure unregisters the log listener. It is safe to call repeatedly.
func (b *Bridge) Unconfigure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reporter != nil {
		b.host.UnregisterListener(b.reporter)
		b.reporter = nil
	}

	if b.handleCloser != nil {
		if err := b.handleCloser.Close(); err != nil {
			b.log.Warn("closing launch handle", "error", err)
		}
		b.handleCloser = nil
	}
}

// reporting reports whether items can be sent, b.mu must be held.
func (b *Bridge) reporting() bool {
	return b.state == Running && b.service != nil && b.service.Client() != nil
}

// handleError logs a reporting error. Errors matching rp_ignore_errors are
// only logged at debug level.
func (b *Bridge) handleError(op string, err error) {
	ignored := b.ignore.Match(err)

	metric.ReportingErrors.WithLabelValues(op, strconv.FormatBool(ignored)).Inc()

	if ignored {
		b.log.Debug("ignored reporting error", "operation", op, "error", err)
		return
	}

	var maintenance model.MaintenanceError
	if errors.As(err, &maintenance) {
		b.log.Warn("reporting service is in maintenance, continuing without reporting", "operation", op)
		return
	}

	b.log.Error("reporting failed", "operation", op, "error", err)
}

func issueIDs(m Mark) []string {
	var ids []string

	for _, id := range strings.Split(m.Arg("id", ""), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	return ids
}

func set(values []string) map[string]struct{} {
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "trace"
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	case l == slog.LevelError:
		return "error"
	default:
		return "fatal"
	}
}

// message appends the attributes of r to its message.
func message(r rplog.Record) string {
	if r.NumAttrs() == 0 {
		return r.Message
	}

	var sb strings.Builder
	sb.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%s", a.Key, a.Value.String())
		return true
	})

	return sb.String()
}
