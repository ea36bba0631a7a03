package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar) // dynamic level, adjusted by LOG_LEVEL or SetLevel
)

func init() {
	Logger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// Init applies LOG_LEVEL from the environment. Safe to call more than once.
func Init() {
	if lvl, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		level.Set(lvl)
	}
}

// SetOutput rebuilds the logger on w, keeping format and level.
// The interactive console uses it so log lines don't tear the prompt.
func SetOutput(w io.Writer) {
	Logger = newLogger(w)
}

func SetLevel(lvl slog.Level) { level.Set(lvl) }

func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Shortcut helpers
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger { return Logger.With(args...) }
