package rplog_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/raphi011/rpbridge/internal/rplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	records []rplog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r rplog.Record) error {
	h.records = append(h.records, r)
	return nil
}

var levels = []struct {
	name string
	call func(l *rplog.Logger) func(msg string, args ...any)
}{
	{name: "info", call: func(l *rplog.Logger) func(string, ...any) { return l.Info }},
	{name: "debug", call: func(l *rplog.Logger) func(string, ...any) { return l.Debug }},
	{name: "warning", call: func(l *rplog.Logger) func(string, ...any) { return l.Warn }},
	{name: "error", call: func(l *rplog.Logger) func(string, ...any) { return l.Error }},
}

func TestLoggerHandleAttachment(t *testing.T) {
	for _, level := range levels {
		level := level
		t.Run(level.name, func(t *testing.T) {
			h := &recordingHandler{}
			logger := rplog.New(h)

			attachment := &rplog.Attachment{Name: "Some " + level.name + " attachment", Data: []byte("data")}

			level.call(logger)("Some "+level.name+" message", rplog.Attach(attachment))

			require.Len(t, h.records, 1, "handle called more than 1 time")
			assert.Same(t, attachment, h.records[0].Attachment)
			assert.Equal(t, 0, h.records[0].NumAttrs(), "attachment must not be kept as attribute")
		})
	}
}

func TestLoggerHandleAttachmentKeyValue(t *testing.T) {
	h := &recordingHandler{}
	logger := rplog.New(h)

	attachment := &rplog.Attachment{Name: "dump.txt"}

	logger.Info("message", "attachment", attachment, "test", "TestA")

	require.Len(t, h.records, 1)
	assert.Same(t, attachment, h.records[0].Attachment)
	assert.Equal(t, 1, h.records[0].NumAttrs())
}

func TestLoggerHandleNoAttachment(t *testing.T) {
	for _, level := range levels {
		level := level
		t.Run(level.name, func(t *testing.T) {
			h := &recordingHandler{}
			logger := rplog.New(h)

			level.call(logger)("Some " + level.name + " message")

			require.Len(t, h.records, 1, "handle called more than 1 time")
			assert.Nil(t, h.records[0].Attachment)
			assert.Equal(t, "Some "+level.name+" message", h.records[0].Message)
		})
	}
}

func TestSlogHandlerLiftsAttachment(t *testing.T) {
	h := &recordingHandler{}
	logger := slog.New(rplog.NewSlogHandler(h)).With("suite", "s1").WithGroup("g")

	attachment := &rplog.Attachment{Name: "a.bin"}
	logger.Error("boom", rplog.Attach(attachment), "k", "v")

	require.Len(t, h.records, 1)
	assert.Same(t, attachment, h.records[0].Attachment)

	attrs := map[string]slog.Value{}
	h.records[0].Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value
		return true
	})

	assert.Equal(t, "s1", attrs["suite"].String())
	assert.Equal(t, slog.KindGroup, attrs["g"].Kind())
}

func TestAttachmentLineRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	err := rplog.WriteAttachment(&buf, "screenshot", rplog.Attachment{Name: "s.png", MimeType: "image/png", Data: []byte{0, 1, 2}})
	require.NoError(t, err)

	msg, a, ok := rplog.ParseAttachmentLine("    " + buf.String())
	require.True(t, ok)
	assert.Equal(t, "screenshot", msg)
	assert.Equal(t, "s.png", a.Name)
	assert.Equal(t, "image/png", a.MimeType)
	assert.Equal(t, []byte{0, 1, 2}, a.Data)

	_, _, ok = rplog.ParseAttachmentLine("=== RUN TestA")
	assert.False(t, ok)
}
