package rplog

import (
	"context"
	"log/slog"
)

// SlogHandler adapts a Handler to slog.Handler so code logging through a
// plain *slog.Logger reaches the bridge. Attachment attributes are lifted
// onto the record exactly like with Logger.
type SlogHandler struct {
	h      Handler
	attrs  []slog.Attr
	groups []string
}

func NewSlogHandler(h Handler) *SlogHandler {
	return &SlogHandler{h: h}
}

func (s *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return s.h.Enabled(ctx, level)
}

func (s *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	var attachment *Attachment

	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	out.AddAttrs(s.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		if att, ok := attachmentValue(a); ok {
			attachment = att
			return true
		}

		out.AddAttrs(s.qualify(a))

		return true
	})

	return s.h.Handle(ctx, Record{Record: out, Attachment: attachment})
}

func (s *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *s
	next.attrs = append([]slog.Attr{}, s.attrs...)

	for _, a := range attrs {
		next.attrs = append(next.attrs, s.qualify(a))
	}

	return &next
}

func (s *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}

	next := *s
	next.groups = append(append([]string{}, s.groups...), name)

	return &next
}

func (s *SlogHandler) qualify(a slog.Attr) slog.Attr {
	for i := len(s.groups) - 1; i >= 0; i-- {
		a = slog.Group(s.groups[i], a)
	}

	return a
}
