package gotest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/raphi011/rpbridge"
	"github.com/raphi011/rpbridge/internal/rplog"
)

// Event is a line of `go test -json` output, see `go doc test2json`.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// Session receives the test lifecycle, implemented by *rpbridge.Bridge.
type Session interface {
	Case(id string) (rpbridge.TestCase, bool)
	TestStarted(ctx context.Context, tc rpbridge.TestCase)
	TestFinished(ctx context.Context, testID string, status rpbridge.Status)
}

// Emitter dispatches log records to the registered listeners, implemented
// by *rpbridge.StandaloneHost.
type Emitter interface {
	Emit(ctx context.Context, r rplog.Record)
}

type Summary struct {
	Passed  int
	Failed  int
	Skipped int
	// FailedPackages lists packages that failed, e.g. because they did not
	// compile.
	FailedPackages []string
}

func (s Summary) OK() bool {
	return s.Failed == 0 && len(s.FailedPackages) == 0
}

type Runner struct {
	session Session
	host    Emitter
	log     *slog.Logger
}

func NewRunner(session Session, host Emitter, log *slog.Logger) *Runner {
	return &Runner{session: session, host: host, log: log}
}

// Run consumes the event stream in until it ends. The output of the tests
// is copied to out. Lines that are not events are copied and reported at
// launch level.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) (Summary, error) {
	var summary Summary

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		var e Event
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &e) != nil {
			fmt.Fprintln(out, string(line))
			r.emit(ctx, "", slog.LevelError, string(line), time.Now())
			continue
		}

		r.handle(ctx, e, out, &summary)
	}

	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("reading test events: %w", err)
	}

	return summary, nil
}

func (r *Runner) handle(ctx context.Context, e Event, out io.Writer, summary *Summary) {
	id := ""
	if e.Test != "" {
		id = ID(e.Package, e.Test)
	}

	switch e.Action {
	case "run":
		r.session.TestStarted(ctx, r.testCase(e.Package, e.Test))
	case "output":
		fmt.Fprint(out, e.Output)

		if msg, ok := message(e.Output); ok {
			r.emit(ctx, id, slog.LevelInfo, msg, e.Time)
		}
	case "pass", "fail", "skip":
		if id == "" {
			if e.Action == "fail" {
				summary.FailedPackages = append(summary.FailedPackages, e.Package)
			}
			return
		}

		status := rpbridge.StatusPassed

		switch e.Action {
		case "fail":
			status = rpbridge.StatusFailed
			summary.Failed++
		case "skip":
			status = rpbridge.StatusSkipped
			summary.Skipped++
		default:
			summary.Passed++
		}

		r.session.TestFinished(ctx, id, status)
	}
}

// testCase returns the collected case of a test. Subtests inherit the case
// of their top-level test, tests that were not collected get a minimal one.
func (r *Runner) testCase(pkg, test string) rpbridge.TestCase {
	if tc, ok := r.session.Case(ID(pkg, test)); ok {
		return tc
	}

	name, params, _ := strings.Cut(test, "/")

	tc, ok := r.session.Case(ID(pkg, name))
	if !ok {
		r.log.Debug("test was not collected", "package", pkg, "test", test)

		tc = rpbridge.TestCase{Package: pkg, Module: pkg, Name: name}
	}

	tc.ID = ID(pkg, test)
	tc.Params = params

	return tc
}

func (r *Runner) emit(ctx context.Context, testID string, level slog.Level, msg string, t time.Time) {
	if t.IsZero() {
		t = time.Now()
	}

	record := rplog.Record{Record: slog.NewRecord(t, level, msg, 0)}

	if text, a, ok := rplog.ParseAttachmentLine(msg); ok {
		record.Record = slog.NewRecord(t, level, text, 0)
		record.Attachment = a
	}

	if testID != "" {
		ctx = rpbridge.ContextWithTest(ctx, testID)
	}

	r.host.Emit(ctx, record)
}

var framing = []string{
	"=== RUN", "=== PAUSE", "=== CONT", "=== NAME",
	"--- PASS:", "--- FAIL:", "--- SKIP:",
	"ok  \t", "FAIL\t", "?   \t", "coverage:",
}

// message strips the line break of an output event and drops the lines the
// go tool prints around tests.
func message(output string) (string, bool) {
	line := strings.TrimRight(output, "\r\n")

	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed == "PASS" || trimmed == "FAIL" {
		return "", false
	}

	for _, f := range framing {
		if strings.HasPrefix(trimmed, f) {
			return "", false
		}
	}

	return line, true
}
