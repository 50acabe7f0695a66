// Package logger provides structured logging for the SDK. Every component
// accepts a *Logger; a nil logger is replaced with NewDefault so call sites
// never have to guard against it.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields.
type Fields = logrus.Fields

// Logger wraps a logrus entry carrying the component name.
type Logger struct {
	*logrus.Entry
}

// New constructs a logger for the named component at the given level.
func New(name string, level logrus.Level) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return &Logger{Entry: l.WithField("component", name)}
}

// NewDefault constructs a logger for the named component. The level comes from
// the LOG_LEVEL environment variable, defaulting to info.
func NewDefault(name string) *Logger {
	return New(name, levelFromEnv())
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// SetOutput redirects the underlying logger output.
func (l *Logger) SetOutput(w io.Writer) {
	l.Entry.Logger.SetOutput(w)
}

// SetLevel adjusts the underlying logger level by name. Unknown names are
// ignored.
func (l *Logger) SetLevel(level string) {
	if parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil {
		l.Entry.Logger.SetLevel(parsed)
	}
}

func levelFromEnv() logrus.Level {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if raw == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
