// Package logging provides structured logging for the Brewlog core.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is the context map attached to a log entry.
type Fields = logrus.Fields

var (
	// global logger instance
	global *logrus.Logger
	once   sync.Once
)

// Options configures the global logger.
type Options struct {
	Level string // debug, info, warn, error

	// File enables rotating file output in addition to stderr.
	// Empty means stderr only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init initializes the global logger. Safe to call once; later calls are no-ops.
func Init(opts Options) {
	once.Do(func() {
		l := logrus.New()
		l.SetFormatter(&logrus.JSONFormatter{})

		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		l.SetLevel(level)

		out := io.Writer(os.Stderr)
		if opts.File != "" {
			rotator := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
			}
			out = io.MultiWriter(os.Stderr, rotator)
		}
		l.SetOutput(out)

		global = l
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(Options{Level: "info"})
	}
	return global
}

// Debug logs a debug message.
func Debug(message string, fields Fields) {
	Get().WithFields(fields).Debug(message)
}

// Info logs an info message.
func Info(message string, fields Fields) {
	Get().WithFields(fields).Info(message)
}

// Warn logs a warning message.
func Warn(message string, fields Fields) {
	Get().WithFields(fields).Warn(message)
}

// Error logs an error message with the error attached.
func Error(message string, err error, fields Fields) {
	entry := Get().WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
