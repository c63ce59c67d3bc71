// Package log defines the logger interface used by the image plugins. By
// default it logs through logrus but it can be replaced with a user-defined
// logger.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface of the plugins.
type Logger interface {
	Errorf(format string, args ...any)
	Error(args ...any)
	Warnf(format string, args ...any)
	Warn(args ...any)
	Infof(format string, args ...any)
	Info(args ...any)
	Debugf(format string, args ...any)
	Debug(args ...any)
}

var logger Logger = NewDefaultLogger(false)

// SetLogger overwrites the default logger with a user specified one.
func SetLogger(l Logger) { logger = l }

// Errorf is the static formatted error logging function.
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }

// Warnf is the static formatted warning logging function.
func Warnf(format string, args ...any) { logger.Warnf(format, args...) }

// Infof is the static formatted info logging function.
func Infof(format string, args ...any) { logger.Infof(format, args...) }

// Debugf is the static formatted debug logging function.
func Debugf(format string, args ...any) { logger.Debugf(format, args...) }

// Error is the static error logging function.
func Error(args ...any) { logger.Error(args...) }

// Warn is the static warning logging function.
func Warn(args ...any) { logger.Warn(args...) }

// Info is the static info logging function.
func Info(args ...any) { logger.Info(args...) }

// Debug is the static debug logging function.
func Debug(args ...any) { logger.Debug(args...) }

// DefaultLogger is the Logger implementation used by default. It writes
// text-formatted entries to stderr.
type DefaultLogger struct {
	*logrus.Logger
}

// NewDefaultLogger returns a logrus-backed logger. Debug entries are only
// emitted when verbose is set.
func NewDefaultLogger(verbose bool) *DefaultLogger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return &DefaultLogger{Logger: l}
}

// SetOutput redirects the log output, mostly for tests.
func (l *DefaultLogger) SetOutput(w io.Writer) { l.Logger.SetOutput(w) }

// SetLevel parses and applies a level name such as "debug" or "warn".
func (l *DefaultLogger) SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	l.Logger.SetLevel(lvl)
	return nil
}
