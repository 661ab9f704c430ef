package rpbridge_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/raphi011/rpbridge"
	"github.com/raphi011/rpbridge/internal/rplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkerInput(t *testing.T) {
	tests := []struct {
		raw      string
		expected map[string]string
		err      bool
	}{
		{raw: "", expected: nil},
		{raw: "null", expected: nil},
		{raw: `{"workerid":"gw0"}`, expected: map[string]string{"workerid": "gw0"}},
		{raw: `["gw0"]`, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			input, err := rpbridge.ParseWorkerInput(tt.raw)
			if tt.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, input)
		})
	}
}

func TestHostFromEnv(t *testing.T) {
	t.Setenv(rpbridge.WorkerInputEnv, "")

	host, err := rpbridge.HostFromEnv(`{"workerid":"gw3"}`)
	require.NoError(t, err)

	input, isWorker := host.WorkerInput()
	assert.True(t, isWorker)
	assert.Equal(t, "gw3", input["workerid"])
}

func TestHostFromEnvVariable(t *testing.T) {
	t.Setenv(rpbridge.WorkerInputEnv, "null")

	host, err := rpbridge.HostFromEnv("")
	require.NoError(t, err)

	input, isWorker := host.WorkerInput()
	assert.True(t, isWorker, "an empty worker input still marks a worker")
	assert.Nil(t, input)
}

type levelHandler struct {
	level   slog.Level
	handled []string
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *levelHandler) Handle(_ context.Context, r rplog.Record) error {
	h.handled = append(h.handled, r.Message)
	return nil
}

func TestStandaloneHostDispatchesToEnabledListeners(t *testing.T) {
	host := rpbridge.NewStandaloneHost(nil, false)

	info := &levelHandler{level: slog.LevelInfo}
	errs := &levelHandler{level: slog.LevelError}

	host.RegisterListener(info)
	host.RegisterListener(errs)

	host.Emit(context.Background(), record(slog.LevelInfo, "info"))
	host.Emit(context.Background(), record(slog.LevelError, "error"))

	host.UnregisterListener(info)
	host.Emit(context.Background(), record(slog.LevelError, "after"))

	assert.Equal(t, []string{"info", "error"}, info.handled)
	assert.Equal(t, []string{"error", "after"}, errs.handled)
	assert.Len(t, host.Listeners(), 1)
}

func TestTestFromContext(t *testing.T) {
	_, ok := rpbridge.TestFromContext(context.Background())
	assert.False(t, ok)

	id, ok := rpbridge.TestFromContext(rpbridge.ContextWithTest(context.Background(), "pkg::TestA"))
	assert.True(t, ok)
	assert.Equal(t, "pkg::TestA", id)
}
