package rpbridge

import (
	"context"
	"log/slog"

	"github.com/raphi011/rpbridge/internal/rplog"
)

type testContextKey struct{}

// ContextWithTest marks records logged with ctx as belonging to the test
// case with the given id.
func ContextWithTest(ctx context.Context, testID string) context.Context {
	return context.WithValue(ctx, testContextKey{}, testID)
}

// TestFromContext returns the test case id set by ContextWithTest.
func TestFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(testContextKey{}).(string)
	return id, ok && id != ""
}

// Reporter is the log listener registered with the host. It forwards
// records to the item of the test found in the context, records without a
// test go to the launch.
type Reporter struct {
	bridge *Bridge
	level  slog.Level
}

func (r *Reporter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= r.level
}

func (r *Reporter) Handle(ctx context.Context, record rplog.Record) error {
	testID, _ := TestFromContext(ctx)

	r.bridge.TestLog(ctx, testID, record)

	return nil
}
