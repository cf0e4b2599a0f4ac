package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
)

const timeFormat = "2006/01/02 15:04:05"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: ansiCyan,
	slog.LevelInfo:  ansiGreen,
	slog.LevelWarn:  ansiYellow,
	slog.LevelError: ansiRed,
}

// Logger is a thin wrapper over slog whose level can be changed while running.
type Logger struct {
	inner *slog.Logger
	level *slog.LevelVar
}

type Config struct {
	Writer  io.Writer
	JSON    bool
	NoColor bool
	Level   slog.Level
}

func New(cfg Config) *Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	level := new(slog.LevelVar)
	level.Set(cfg.Level)

	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: formatTime,
		})
	} else {
		h = &textHandler{out: &lockedWriter{w: w}, level: level, color: !cfg.NoColor}
	}
	return &Logger{inner: slog.New(h), level: level}
}

func formatTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().Format(timeFormat))
	}
	return a
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Config{Writer: io.Discard, NoColor: true})
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level of l and of every logger derived from it with With.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...), level: l.level}
}

type ctxKey struct{}

// WithContext stores l in ctx for commands further down the cobra tree.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a default text logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	return New(Config{})
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// textHandler writes "TIME [LEVEL] message key=value ..." lines.
type textHandler struct {
	out   *lockedWriter
	level slog.Leveler
	color bool
	attrs []slog.Attr
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// Groups are flattened; nothing in backupx logs grouped attributes.
func (h *textHandler) WithGroup(string) slog.Handler {
	return h
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	buf.WriteString(r.Time.Format(timeFormat))
	buf.WriteString(" [")
	buf.WriteString(h.paint(levelColors[r.Level], r.Level.String()))
	buf.WriteString("] ")
	buf.WriteString(r.Message)

	writeAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&buf, " %s=%v", h.paint(ansiBlue, a.Key), a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	buf.WriteByte('\n')

	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *textHandler) paint(color, s string) string {
	if !h.color || color == "" {
		return s
	}
	return color + s + ansiReset
}
