package rpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/raphi011/rpbridge/internal/rplog"
)

// WorkerInputEnv holds the JSON encoded worker input of a subordinate
// process. Its presence alone marks the process as a worker.
const WorkerInputEnv = "RPBRIDGE_WORKER_INPUT"

// Host is the part of the test framework the bridge talks to.
type Host interface {
	// WorkerInput returns the descriptor handed to a spawned worker, ok is
	// false for the coordinating process.
	WorkerInput() (input map[string]string, ok bool)
	RegisterListener(h rplog.Handler)
	UnregisterListener(h rplog.Handler)
}

// StandaloneHost is a Host for frameworks without a listener registry of
// their own. Records passed to Emit are dispatched to all registered
// listeners.
type StandaloneHost struct {
	input    map[string]string
	isWorker bool

	mu        sync.Mutex
	listeners []rplog.Handler
}

func NewStandaloneHost(input map[string]string, isWorker bool) *StandaloneHost {
	return &StandaloneHost{input: input, isWorker: isWorker}
}

// HostFromEnv creates a host whose worker input is read from
// WorkerInputEnv or, if set, from raw.
func HostFromEnv(raw string) (*StandaloneHost, error) {
	if raw == "" {
		var ok bool
		if raw, ok = os.LookupEnv(WorkerInputEnv); !ok {
			return NewStandaloneHost(nil, false), nil
		}
	}

	input, err := ParseWorkerInput(raw)
	if err != nil {
		return nil, err
	}

	return NewStandaloneHost(input, true), nil
}

// ParseWorkerInput decodes a JSON object of strings. An empty string or
// "null" is a valid, empty input.
func ParseWorkerInput(raw string) (map[string]string, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}

	var input map[string]string
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("invalid worker input: %w", err)
	}

	return input, nil
}

func (h *StandaloneHost) WorkerInput() (map[string]string, bool) {
	return h.input, h.isWorker
}

func (h *StandaloneHost) RegisterListener(l rplog.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.listeners = append(h.listeners, l)
}

func (h *StandaloneHost) UnregisterListener(l rplog.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, registered := range h.listeners {
		if registered == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *StandaloneHost) Listeners() []rplog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]rplog.Handler{}, h.listeners...)
}

// Emit hands r to every listener that is enabled for its level.
func (h *StandaloneHost) Emit(ctx context.Context, r rplog.Record) {
	for _, l := range h.Listeners() {
		if l.Enabled(ctx, r.Level) {
			_ = l.Handle(ctx, r)
		}
	}
}
