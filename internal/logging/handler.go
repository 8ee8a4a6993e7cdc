package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006/01/02 15:04:05"

// TraditionalHandler implements slog.Handler with traditional log formatting:
//
//	2006/01/02 15:04:05 [LEVEL] message [k=v ...]
//
// Each record is rendered to a single line before it is handed to emit, so
// lines from concurrent goroutines never interleave.
type TraditionalHandler struct {
	emit   func(line string)
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// NewTraditionalHandler writes formatted lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Leveler) *TraditionalHandler {
	var mu sync.Mutex
	return &TraditionalHandler{
		level: level,
		emit: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			_, _ = io.WriteString(w, line)
		},
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, formatAttr("", a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, formatAttr(h.prefix, a))
		return true
	})

	msg := r.Message
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.emit(fmt.Sprintf("%s [%s] %s\n", ts.Format(timeLayout), strings.ToUpper(r.Level.String()), msg))
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func formatAttr(prefix string, a slog.Attr) string {
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

// fanout duplicates every record to several handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// OpenJobLog returns a logger that writes to the job's own log file at path
// and to parent. The returned close function flushes and closes the file.
func OpenJobLog(path string, parent *slog.Logger, level slog.Level, attrs ...any) (*slog.Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create job log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open job log: %w", err)
	}
	handlers := fanout{NewTraditionalHandler(f, level)}
	if parent != nil {
		handlers = append(handlers, parent.Handler())
	}
	return slog.New(handlers).With(attrs...), f.Close, nil
}
