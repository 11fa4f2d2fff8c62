package logger

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

// Init initializes the global logger
func Init(level string, logFile string) error {
	// Parse log level
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// Set up multi-writer (stdout + file)
	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	multiWriter := io.MultiWriter(writers...)

	// JSON handler: session/dump/command fields attach cleanly as structured
	// attrs instead of being squeezed into a text line.
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: logLevel,
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)

	return nil
}

func ensure() *slog.Logger {
	if Log == nil {
		return slog.Default()
	}
	return Log
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	ensure().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	ensure().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	ensure().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	ensure().Error(msg, args...)
}

// With returns a child logger scoped to a session/dump/command, so call
// sites don't have to repeat the same attrs on every log line.
func With(args ...any) *slog.Logger {
	return ensure().With(args...)
}
