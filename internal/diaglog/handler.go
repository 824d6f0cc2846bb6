package diaglog

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/logging"
)

// Handler returns an slog.Handler that passes records to next while the
// UART level accepts them, and queues a text rendering of every record
// any other sink accepts.
//
// Use it with logging.Logger.WrapHandler:
//
//	logger = logger.WrapHandler(pipeline.Handler)
func (p *Pipeline) Handler(next slog.Handler) slog.Handler {
	return &handler{next: next, p: p}
}

type handler struct {
	next   slog.Handler
	p      *Pipeline
	attrs  string
	prefix string
}

func (h *handler) Enabled(ctx context.Context, l slog.Level) bool {
	lvl := FromSlog(l)
	cfg := h.p.Config()
	if cfg.UART.accepts(lvl) && h.next.Enabled(ctx, l) {
		return true
	}
	return cfg.wantsQueue(lvl)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	lvl := FromSlog(r.Level)
	cfg := h.p.Config()

	var err error
	if cfg.UART.accepts(lvl) && h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}

	if cfg.wantsQueue(lvl) {
		var b strings.Builder
		b.WriteString(r.Message)
		b.WriteString(h.attrs)
		r.Attrs(func(a slog.Attr) bool {
			writeAttr(&b, h.prefix, a)
			return true
		})
		h.p.Enqueue(Record{Time: r.Time, Level: lvl, Message: b.String()})
	}
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&b, h.prefix, a)
	}
	return &handler{next: h.next.WithAttrs(attrs), p: h.p, attrs: b.String(), prefix: h.prefix}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{next: h.next.WithGroup(name), p: h.p, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// writeAttr appends " key=value", flattening groups into dotted keys.
func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			writeAttr(b, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	if logging.IsSecretKey(a.Key) {
		b.WriteString("[REDACTED]")
		return
	}
	b.WriteString(v.String())
}
