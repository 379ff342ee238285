// Package logging provides the slog handler used by the service. Lines are
// rendered as
//
//	[HH:MM:SS.uuuuuu (level)] [component]message key=value ...
//
// and a marker line `--- [YYYY-MM-DD] ---` is emitted whenever the calendar
// day changes between records. Per-component severity floors come from the
// DiagnosticReportingThresholds configuration object.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// componentKey is the attribute naming the emitting component. Loggers are
// derived with logger.With("component", name).
const componentKey = "component"

// Threshold values use the document's scale: 0 debug, 1 info, 2 warning,
// 3 error.
func thresholdLevel(n int) slog.Level {
	switch {
	case n <= 0:
		return slog.LevelDebug
	case n == 1:
		return slog.LevelInfo
	case n == 2:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warning"
	default:
		return "error"
	}
}

// Options configures a Handler.
type Options struct {
	// Level is the floor for components with no explicit threshold.
	Level slog.Level

	// Thresholds maps component names to severity floors on the 0..3
	// document scale.
	Thresholds map[string]int
}

// Handler renders records in the service's line format. Output is serialized
// by an internal mutex, so one Handler may sit behind many loggers.
type Handler struct {
	opts Options

	mu      *sync.Mutex
	w       io.Writer
	lastDay *string

	component string
	group     string
	attrs     []slog.Attr
}

// NewHandler creates a Handler writing to w.
func NewHandler(w io.Writer, opts Options) *Handler {
	return &Handler{
		opts:    opts,
		mu:      &sync.Mutex{},
		w:       w,
		lastDay: new(string),
	}
}

// Enabled applies the component's severity floor.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	floor := h.opts.Level
	if h.component != "" {
		if n, ok := h.opts.Thresholds[h.component]; ok {
			floor = thresholdLevel(n)
		}
	}
	return level >= floor
}

// Handle writes one formatted line, preceded by a day marker when the
// calendar day changed since the previous record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	prefix := ""
	if h.component != "" {
		prefix = "[" + h.component + "]"
	}
	fmt.Fprintf(&b, "[%s (%s)] %s%s",
		r.Time.Format("15:04:05.000000"), levelName(r.Level), prefix, r.Message)

	appendAttr := func(a slog.Attr) {
		if a.Key == componentKey || a.Key == "" {
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&b, " %s=%v", key, a.Value)
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})
	b.WriteByte('\n')

	day := r.Time.Format("2006-01-02")

	h.mu.Lock()
	defer h.mu.Unlock()
	if *h.lastDay != day {
		*h.lastDay = day
		if _, err := fmt.Fprintf(h.w, "--- [%s] ---\n", day); err != nil {
			return err
		}
	}
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs captures the component attribute for prefixing and threshold
// lookup; other attributes are appended to every line.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	for _, a := range attrs {
		if a.Key == componentKey {
			clone.component = a.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs[:len(clone.attrs):len(clone.attrs)], a)
	}
	return &clone
}

// WithGroup qualifies subsequent attribute keys.
func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

var _ slog.Handler = (*Handler)(nil)
