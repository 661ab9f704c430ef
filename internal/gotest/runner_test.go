package gotest_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/raphi011/rpbridge"
	"github.com/raphi011/rpbridge/internal/gotest"
	"github.com/raphi011/rpbridge/internal/rplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finished struct {
	id     string
	status rpbridge.Status
}

type logged struct {
	testID     string
	message    string
	attachment *rplog.Attachment
}

type fakeSession struct {
	cases    map[string]rpbridge.TestCase
	started  []rpbridge.TestCase
	finished []finished
}

func (s *fakeSession) Case(id string) (rpbridge.TestCase, bool) {
	tc, ok := s.cases[id]
	return tc, ok
}

func (s *fakeSession) TestStarted(_ context.Context, tc rpbridge.TestCase) {
	s.started = append(s.started, tc)
}

func (s *fakeSession) TestFinished(_ context.Context, id string, status rpbridge.Status) {
	s.finished = append(s.finished, finished{id: id, status: status})
}

type fakeEmitter struct {
	logs []logged
}

func (e *fakeEmitter) Emit(ctx context.Context, r rplog.Record) {
	id, _ := rpbridge.TestFromContext(ctx)
	e.logs = append(e.logs, logged{testID: id, message: r.Message, attachment: r.Attachment})
}

const events = `{"Action":"start","Package":"example.com/demo/pkg"}
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestA"}
{"Action":"output","Package":"example.com/demo/pkg","Test":"TestA","Output":"=== RUN   TestA\n"}
{"Action":"output","Package":"example.com/demo/pkg","Test":"TestA","Output":"    a_test.go:10: hello\n"}
{"Action":"output","Package":"example.com/demo/pkg","Test":"TestA","Output":"rp:attachment {\"name\":\"dump.txt\",\"data\":\"eA==\"}\n"}
{"Action":"output","Package":"example.com/demo/pkg","Test":"TestA","Output":"--- PASS: TestA (0.00s)\n"}
{"Action":"pass","Package":"example.com/demo/pkg","Test":"TestA","Elapsed":0}
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestB"}
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestB/case_1"}
{"Action":"fail","Package":"example.com/demo/pkg","Test":"TestB/case_1","Elapsed":0}
{"Action":"fail","Package":"example.com/demo/pkg","Test":"TestB","Elapsed":0}
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestUnknown"}
{"Action":"skip","Package":"example.com/demo/pkg","Test":"TestUnknown","Elapsed":0}
{"Action":"output","Package":"example.com/demo/pkg","Output":"FAIL\n"}
{"Action":"fail","Package":"example.com/demo/pkg","Elapsed":0.01}
`

func TestRunnerDrivesSession(t *testing.T) {
	session := &fakeSession{cases: map[string]rpbridge.TestCase{
		"example.com/demo/pkg::TestA": {ID: "example.com/demo/pkg::TestA", File: "a_test.go", Name: "TestA"},
		"example.com/demo/pkg::TestB": {ID: "example.com/demo/pkg::TestB", File: "a_test.go", Name: "TestB", CodeRef: "pkg/a_test.go:TestB"},
	}}
	host := &fakeEmitter{}

	var out bytes.Buffer

	summary, err := gotest.NewRunner(session, host, slog.Default()).Run(context.Background(), strings.NewReader(events), &out)
	require.NoError(t, err)

	require.Len(t, session.started, 4)
	assert.Equal(t, "TestA", session.started[0].Name)

	sub := session.started[2]
	assert.Equal(t, "example.com/demo/pkg::TestB/case_1", sub.ID)
	assert.Equal(t, "TestB", sub.Name)
	assert.Equal(t, "case_1", sub.Params)
	assert.Equal(t, "pkg/a_test.go:TestB", sub.CodeRef, "subtests inherit their parent case")

	unknown := session.started[3]
	assert.Equal(t, "example.com/demo/pkg::TestUnknown", unknown.ID)
	assert.Equal(t, "example.com/demo/pkg", unknown.Module)

	assert.Equal(t, []finished{
		{id: "example.com/demo/pkg::TestA", status: rpbridge.StatusPassed},
		{id: "example.com/demo/pkg::TestB/case_1", status: rpbridge.StatusFailed},
		{id: "example.com/demo/pkg::TestB", status: rpbridge.StatusFailed},
		{id: "example.com/demo/pkg::TestUnknown", status: rpbridge.StatusSkipped},
	}, session.finished)

	require.Len(t, host.logs, 2, "framing lines are not reported")
	assert.Equal(t, "example.com/demo/pkg::TestA", host.logs[0].testID)
	assert.Equal(t, "    a_test.go:10: hello", host.logs[0].message)
	require.NotNil(t, host.logs[1].attachment)
	assert.Equal(t, "dump.txt", host.logs[1].message)
	assert.Equal(t, []byte("x"), host.logs[1].attachment.Data)

	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"example.com/demo/pkg"}, summary.FailedPackages)
	assert.False(t, summary.OK())

	assert.Contains(t, out.String(), "--- PASS: TestA")
}

func TestRunnerReportsNonEventLines(t *testing.T) {
	session := &fakeSession{}
	host := &fakeEmitter{}

	var out bytes.Buffer

	summary, err := gotest.NewRunner(session, host, slog.Default()).Run(context.Background(), strings.NewReader("# example.com/demo\n./a.go:3:1: syntax error\n"), &out)
	require.NoError(t, err)

	assert.True(t, summary.OK())
	require.Len(t, host.logs, 2)
	assert.Empty(t, host.logs[1].testID)
	assert.Equal(t, "./a.go:3:1: syntax error", host.logs[1].message)
	assert.Equal(t, "# example.com/demo\n./a.go:3:1: syntax error\n", out.String())
}
