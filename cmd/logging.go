package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// claudioHandler formats log records as the `[YYYY-MM-DD HH:MM:SS]` lines
// the health controller scans claudio.log for, and writes them to stderr
// plus (when configured) the log file.
type claudioHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
}

func newClaudioHandler(out io.Writer, level slog.Level) *claudioHandler {
	return &claudioHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *claudioHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *claudioHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", rec.Time.Format("2006-01-02 15:04:05"))

	switch rec.Level {
	case slog.LevelError:
		b.WriteString("ERROR: ")
	case slog.LevelWarn:
		b.WriteString("WARN: ")
	}
	b.WriteString(rec.Message)

	for _, attr := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
	}
	rec.Attrs(func(attr slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *claudioHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *claudioHandler) WithGroup(string) slog.Handler { return h }

// setupLogging installs the claudio log format on stderr, teeing to
// logFile when non-empty.
func setupLogging(logFile string, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err == nil {
			out = io.MultiWriter(os.Stderr, f)
		} else {
			fmt.Fprintf(os.Stderr, "[%s] WARN: cannot open log file %s: %v\n",
				time.Now().Format("2006-01-02 15:04:05"), logFile, err)
		}
	}

	slog.SetDefault(slog.New(newClaudioHandler(out, level)))
}
