// Package rplog extends log records with an optional binary attachment so
// that screenshots, dumps and other files can travel alongside log messages
// to the reporting service.
package rplog

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/raphi011/rpbridge/internal/model"
)

// AttachmentKey is the attribute key an attachment is passed with.
const AttachmentKey = "attachment"

type Attachment = model.Attachment

// Record is a slog record plus an attachment, nil when none was given.
type Record struct {
	slog.Record
	Attachment *Attachment
}

// Handler receives every record emitted through a Logger.
type Handler interface {
	Enabled(ctx context.Context, level slog.Level) bool
	Handle(ctx context.Context, r Record) error
}

// Attach returns an attribute that lifts a onto the emitted record.
func Attach(a *Attachment) slog.Attr {
	return slog.Any(AttachmentKey, a)
}

type Logger struct {
	h Handler
}

func New(h Handler) *Logger {
	return &Logger{h: h}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
}

func (l *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.log(ctx, level, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.h == nil || !l.h.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	// skip [runtime.Callers, this function, the exported caller]
	runtime.Callers(3, pcs[:])

	args, attachment := extractAttachment(args)

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)

	_ = l.h.Handle(ctx, Record{Record: r, Attachment: attachment})
}

// extractAttachment removes the attachment from args. It is accepted either
// as an Attr created by Attach or as the `"attachment", a` key-value pair.
func extractAttachment(args []any) ([]any, *Attachment) {
	var attachment *Attachment

	rest := make([]any, 0, len(args))

	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case slog.Attr:
			if att, ok := attachmentValue(a); ok {
				attachment = att
				continue
			}
		case string:
			if a == AttachmentKey && i+1 < len(args) {
				if att, ok := args[i+1].(*Attachment); ok {
					attachment = att
					i++
					continue
				}
			}
		}

		rest = append(rest, args[i])
	}

	return rest, attachment
}

func attachmentValue(a slog.Attr) (*Attachment, bool) {
	if a.Key != AttachmentKey || a.Value.Kind() != slog.KindAny {
		return nil, false
	}

	att, ok := a.Value.Any().(*Attachment)

	return att, ok
}
